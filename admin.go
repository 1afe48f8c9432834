package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"plainpair/storage"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known devices and their pairing status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := loadDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			peers, err := dev.keys.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADDRESS\tFINGERPRINT")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\n", p.ID, p.Name, p.Status, p.IP, p.Port, p.KeyFingerprint)
			}
			return w.Flush()
		},
	}
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget the shared key of a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := loadDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			if _, ok := dev.keys.Get(args[0]); !ok {
				return fmt.Errorf("unknown device %q", args[0])
			}
			if err := dev.keys.Unpair(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s. The other device must unpair too before pairing again.\n", args[0])
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Unpair every device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset forgets every shared key; rerun with --yes to confirm")
			}
			dev, err := loadDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := dev.keys.Reset(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All devices unpaired.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		filter storage.SecurityEventFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded security events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := loadDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			if since > 0 {
				from := time.Now().Add(-since).UnixMilli()
				filter.FromTimestamp = &from
			}
			events, err := dev.store.GetSecurityEvents(filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tPEER\tDETAILS")
			for _, e := range events {
				peer := "-"
				if e.PeerDeviceID != nil {
					peer = *e.PeerDeviceID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					time.UnixMilli(e.Timestamp).Format(time.DateTime), e.Severity, e.EventType, peer, e.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.EventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&filter.PeerDeviceID, "peer", "", "only events about this device")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "only events of this severity")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of events")
	return cmd
}
