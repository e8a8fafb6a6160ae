package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vecusim/vecud/internal/diagclient"
)

var (
	serverAddr string
	chunkSize  int
)

var rootCmd = &cobra.Command{
	Use:   "vecuctl",
	Short: "Diagnostic tester for the virtual ECU",
	Long: `vecuctl - a diagnostics-over-IP tester for the vecud virtual ECU.

Provides vehicle identification and over-the-air firmware flashing against a
running vecud instance. The flash sequence enters the programming session,
declares the image size, streams the image in blocks, and finalizes the
transfer with a locally computed SHA-256 digest.`,
	SilenceUsage: true,
}

var identCmd = &cobra.Command{
	Use:   "ident",
	Short: "Request the vehicle identifier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := diagclient.Dial(serverAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		vin, err := c.VehicleIdent()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), vin)
		return nil
	},
}

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Flash a firmware image over the air",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := diagclient.Dial(serverAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Flash(args[0], chunkSize); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "update applied, ECU restarting")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "127.0.0.1:13400", "ECU diagnostic endpoint address")
	flashCmd.Flags().IntVar(&chunkSize, "chunk-size", diagclient.DefaultChunkSize, "Transfer-data block size in bytes")
	rootCmd.AddCommand(identCmd, flashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
