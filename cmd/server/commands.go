package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aivf/internal/seed"
	"github.com/aivf/internal/service"
	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	var dateFlag string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Send today's injection reminders once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			loc, err := rt.cfg.ReminderLocation()
			if err != nil {
				return err
			}
			today := time.Now().In(loc)
			if dateFlag != "" {
				parsed, err := time.ParseInLocation("2006-01-02", dateFlag, loc)
				if err != nil {
					return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", dateFlag)
				}
				today = parsed
			}

			sender, err := newMailer(rt)
			if err != nil {
				return err
			}
			reminders, closeMarker, err := newReminderService(cmd.Context(), rt, sender)
			if err != nil {
				return err
			}
			defer closeMarker()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			report, err := reminders.RunFor(ctx, today)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d candidates, %d sent, %d already sent, %d nothing due, %d failed\n",
				report.Date.Format("2006-01-02"), report.Candidates, report.Sent, report.AlreadySent, report.NothingDue, report.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateFlag, "date", "", "reference day (YYYY-MM-DD), defaults to today in REMINDER_TIMEZONE")
	return cmd
}

func newSeedCommand() *cobra.Command {
	var (
		file     string
		clinicID uint
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import medications and protocol templates from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" || clinicID == 0 {
				return errors.New("--file and --clinic are required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			data, err := seed.Parse(f)
			if err != nil {
				return err
			}

			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			importer := seed.NewImporter(service.NewMedicationService(rt.db), service.NewProtocolService(rt.db))
			result, err := importer.Apply(clinicID, data)
			if err != nil {
				return err
			}
			rt.log.Info("seed imported", "clinic_id", clinicID,
				"medications_created", result.MedicationsCreated, "medications_skipped", result.MedicationsSkipped,
				"protocols_created", result.ProtocolsCreated, "protocols_skipped", result.ProtocolsSkipped)
			fmt.Fprintf(cmd.OutOrStdout(), "medications: %d created, %d skipped; protocols: %d created, %d skipped\n",
				result.MedicationsCreated, result.MedicationsSkipped, result.ProtocolsCreated, result.ProtocolsSkipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the seed YAML file")
	cmd.Flags().UintVar(&clinicID, "clinic", 0, "clinic ID to import into")
	return cmd
}

func newInitAdminCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-admin",
		Short: "Create the bootstrap clinic and admin from BOOTSTRAP_* settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()
			cfg := rt.cfg

			if cfg.BootstrapClinicName == "" || cfg.BootstrapAdminEmail == "" || cfg.BootstrapAdminPassword == "" {
				return errors.New("BOOTSTRAP_CLINIC_NAME, BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set")
			}

			accounts := service.NewAccountService(rt.db, cfg.SessionSecret)
			user, created, err := accounts.EnsureClinicAdmin(service.RegisterClinicInput{
				ClinicName: cfg.BootstrapClinicName,
				FullName:   cfg.BootstrapAdminName,
				Email:      cfg.BootstrapAdminEmail,
				Password:   cfg.BootstrapAdminPassword,
			})
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.OutOrStdout(), "admin already exists, nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clinic admin created: user %d, clinic %d\n", user.ID, derefClinic(user.ClinicID))
			return nil
		},
	}
}

func derefClinic(id *uint) uint {
	if id == nil {
		return 0
	}
	return *id
}
