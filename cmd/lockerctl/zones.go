package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockerctl/lockerctl/internal/zoneengine"
	"github.com/lockerctl/lockerctl/internal/zonesource"
)

// newZonesCommand groups offline zone-layout tooling: validating a layout
// file against a relay-card inventory without starting the server or
// touching the active configuration.
func newZonesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zones",
		Short: "Validate and inspect zone layout files",
	}
	cmd.AddCommand(newZonesValidateCommand())
	return cmd
}

func newZonesValidateCommand() *cobra.Command {
	var cardsPath string

	cmd := &cobra.Command{
		Use:   "validate <layout-file>",
		Short: "Validate a zone layout file against a relay-card inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cardsPath == "" {
				cfg, _, err := loadConfigAndLogger()
				if err != nil {
					return fmt.Errorf("no --cards given and failed to load configured inventory path: %w", err)
				}
				cardsPath = cfg.Zones.CardInventoryPath
			}

			source := zonesource.New(cardsPath, nil)

			zones, err := source.LoadZones(args[0])
			if err != nil {
				return err
			}
			cards, err := source.AvailableCards(context.Background())
			if err != nil {
				return err
			}

			warnings, err := zoneengine.Validate(zones, cards)
			if err != nil {
				return fmt.Errorf("zone layout invalid: %w", err)
			}
			for _, w := range warnings {
				fmt.Printf("warning: %s: %s\n", w.Field, w.Message)
			}

			result := zoneengine.Reconcile(zones, cards)
			fmt.Printf("%d zone(s) reconciled against %d relay card(s)\n", len(result.Zones), len(cards))
			for _, d := range result.Diffs {
				fmt.Printf("  zone %s: ranges=%v merged=%v added_cards=%v\n", d.ZoneID, d.NewRanges, d.MergedRanges, d.AddedCards)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cardsPath, "cards", "", "relay-card inventory YAML file (defaults to the configured zones.card_inventory_path)")
	return cmd
}
