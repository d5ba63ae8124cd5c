package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/k210-flasher/embedded"
	"github.com/bigbag/k210-flasher/internal/flasher"
	"github.com/bigbag/k210-flasher/internal/kfpkg"
	"github.com/bigbag/k210-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	deviceFlag string
	baudFlag   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "k210-flasher",
		Short: "Flash firmware to Kendryte K210 devices",
		// Failures print the single "Error: ..." line, not the usage text.
		SilenceUsage: true,
		Long: `K210 Flasher talks to the Kendryte K210 boot ROM over a serial port,
installs a flash bootloader into SRAM and streams firmware into SPI flash.

Accepts a raw firmware image (.bin, flashed at address 0) or a .kfpkg
package (zip with a flash-list.json manifest).`,
	}

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin|firmware.kfpkg>",
		Short: "Flash firmware to a device",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&deviceFlag, "device", "d", "", "Serial device (required)")
	flashCmd.Flags().IntVarP(&baudFlag, "baudrate", "b", flasher.DefaultBaudRate, "Baud rate after renegotiation")
	flashCmd.MarkFlagRequired("device")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("k210-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	if baudFlag < flasher.MinBaudRate {
		return fmt.Errorf("baud rate %d is below the minimum of %d", baudFlag, flasher.MinBaudRate)
	}

	targets, cleanup, err := loadTargets(firmwarePath)
	if err != nil {
		return err
	}
	defer cleanup()

	// The boot ROM always listens at 115200; the configured rate is
	// renegotiated after the bootloader hand-off.
	port, err := serial.Open(deviceFlag, flasher.InitialBaudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Firmware: %s\n", firmwarePath)
	fmt.Printf("Port: %s @ %d baud\n", deviceFlag, baudFlag)

	engine := flasher.New(port)
	attachProgress(engine.Status())

	if err := engine.Run(cmd.Context(), embedded.ISPFlashBootloader(), targets, baudFlag); err != nil {
		return err
	}

	fmt.Println("\nDone!")
	return nil
}

// loadTargets builds the flash list from the firmware path. The returned
// cleanup keeps a .kfpkg archive open for the engine's lifetime.
func loadTargets(path string) ([]flasher.Target, func(), error) {
	noop := func() {}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to read firmware file: %w", err)
		}
		return []flasher.Target{{Address: 0, Data: data, SHA256Prefix: true}}, noop, nil

	case ".kfpkg":
		pkg, err := kfpkg.Open(path)
		if err != nil {
			return nil, noop, err
		}

		var targets []flasher.Target
		for _, f := range pkg.Files {
			data, err := f.Bytes()
			if err != nil {
				pkg.Close()
				return nil, noop, err
			}
			targets = append(targets, flasher.Target{
				Address:       f.Address,
				Data:          data,
				SHA256Prefix:  f.SHA256Prefix,
				Reverse4Bytes: f.Reverse4Bytes,
			})
		}
		return targets, func() { pkg.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported firmware extension %q (want .bin or .kfpkg)", filepath.Ext(path))
	}
}

// attachProgress bridges the engine's status board to a terminal progress
// bar, swapping the description as the current job changes.
func attachProgress(status *flasher.StatusBoard) {
	var bar *progressbar.ProgressBar

	status.Subscribe(func(ev flasher.Event) {
		if ev.CurrentJobChanged {
			if bar != nil {
				bar.Finish()
			}
			bar = progressbar.NewOptions(1000,
				progressbar.OptionSetDescription(ev.Phase.String()),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(false),
				progressbar.OptionThrottle(100),
				progressbar.OptionClearOnFinish(),
			)
			return
		}
		if bar == nil {
			return
		}
		switch ev.Status.State {
		case flasher.StateRunning:
			bar.Set(int(ev.Status.Progress * 1000))
		case flasher.StateFinished:
			bar.Finish()
		}
	})
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
