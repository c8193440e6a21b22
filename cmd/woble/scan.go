package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/woble/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for commissionable peripherals",
	Long: `Scan for peripherals advertising the commissioning service and display
their names, addresses, RSSI values, and advertised services.

Pass --all to list every advertiser regardless of service.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to the configured value)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show all devices, not just commissionable ones")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := scanner.DefaultScanOptions()
	opts.Duration = cfg.ScanDuration
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	opts.ServiceUUID = cfg.ServiceUUID
	if scanAll {
		opts.ServiceUUID = ""
	}
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	// Listen for Ctrl+C to cancel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", opts.Duration)
	devices, err := scanner.NewScanner(logger).Scan(ctx, opts)
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices map[string]scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	// Strongest signal first
	list := make([]scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].RSSI > list[j].RSSI
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 70))

	for _, d := range list {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, d.Address, d.RSSI, services)
	}

	return w.Flush()
}

func displayDevicesJSON(devices map[string]scanner.DeviceInfo) error {
	list := make([]scanner.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
