package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// newSeedCommand inserts fixture lockers for local development and manual
// testing: a single kiosk with a contiguous run of free compartments.
func newSeedCommand() *cobra.Command {
	var kioskID string
	var count int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert fixture lockers for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			now := time.Now()
			for i := 1; i <= count; i++ {
				locker := &domain.Locker{
					KioskID:   kioskID,
					LockerID:  fmt.Sprintf("L%03d", i),
					Status:    domain.LockerFree,
					Version:   0,
					UpdatedAt: now,
				}
				if err := store.UpsertLocker(ctx, locker); err != nil {
					return fmt.Errorf("seed locker %s: %w", locker.LockerID, err)
				}
			}

			fmt.Printf("seeded %d locker(s) on kiosk %q\n", count, kioskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kioskID, "kiosk", "kiosk-dev-1", "kiosk ID to seed lockers under")
	cmd.Flags().IntVar(&count, "count", 20, "number of lockers to create")
	return cmd
}
