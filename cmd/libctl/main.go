// libctl is the operator CLI: sweeps, lost-loan handling, fine settlement,
// and reports against a running circulation database.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/report"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/store/pg"
)

var dsn string

type app struct {
	store        *pg.Store
	loans        *loan.Engine
	reservations *reservation.Engine
	fines        *fine.Ledger
	reports      *report.Service
}

func newApp() (*app, error) {
	if dsn == "" {
		dsn = os.Getenv("OPENSHELF_PG_DSN")
	}
	if dsn == "" {
		return nil, fmt.Errorf("missing DSN: provide via --dsn or OPENSHELF_PG_DSN")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	recorder := audit.NewRecorder(store)
	fines := fine.NewLedger(store, recorder, "USD", ids.New)
	reservations := reservation.NewEngine(store, store, recorder, 7*24*time.Hour, ids.New)
	loans := loan.NewEngine(store, store, store, fines, reservations, recorder, loan.DefaultPolicy(), ids.New)
	return &app{
		store:        store,
		loans:        loans,
		reservations: reservations,
		fines:        fines,
		reports:      report.New(sqlx.NewDb(store.DB(), "pgx")),
	}, nil
}

func (a *app) close() { _ = a.store.Close() }

func main() {
	root := &cobra.Command{
		Use:           "libctl",
		Short:         "Operate the circulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to OPENSHELF_PG_DSN)")

	root.AddCommand(sweepCmd(), loanCmd(), fineCmd(), reportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run periodic state transitions by hand",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "overdue",
			Short: "Mark active loans past their due date overdue",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(ctx context.Context, a *app) error {
					n, err := a.loans.SweepOverdue(ctx, time.Now().UTC())
					if err != nil {
						return err
					}
					fmt.Printf("%d loans marked overdue\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "expired",
			Short: "Expire pending reservations past their hold window",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(ctx context.Context, a *app) error {
					n, err := a.reservations.SweepExpired(ctx, time.Now().UTC())
					if err != nil {
						return err
					}
					fmt.Printf("%d reservations expired\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func loanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Loan operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lost <loan-id>",
		Short: "Mark an open loan lost and retire its copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.loans.MarkLost(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("loan %s marked lost\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func fineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fine",
		Short: "Fine ledger operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "settle <fine-id> <paid|waived>",
		Short: "Settle an unpaid fine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := fine.Status(args[1])
			if outcome != fine.StatusPaid && outcome != fine.StatusWaived {
				return fmt.Errorf("outcome must be paid or waived, got %q", args[1])
			}
			return withApp(func(ctx context.Context, a *app) error {
				f, err := a.fines.Settle(ctx, args[0], outcome)
				if err != nil {
					return err
				}
				fmt.Printf("fine %s settled as %s (%d %s)\n", f.ID, f.Status, f.Amount.Amount, f.Amount.Currency)
				return nil
			})
		},
	})
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Read-only circulation reports",
	}
	var limit int
	overdue := &cobra.Command{
		Use:   "overdue",
		Short: "List open loans past their due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rows, err := a.reports.OverdueLoans(ctx, time.Now().UTC(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "LOAN\tUSER\tTITLE\tDUE\tDAYS LATE")
				for _, row := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
						row.LoanID, row.UserName, row.BookTitle,
						row.DueDate.Format("2006-01-02"), row.DaysLate)
				}
				return tw.Flush()
			})
		},
	}
	overdue.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	topReserved := &cobra.Command{
		Use:   "top-reserved",
		Short: "Rank books by pending reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rows, err := a.reports.TopReserved(ctx, time.Now().UTC(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BOOK\tTITLE\tPENDING")
				for _, row := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", row.BookID, row.Title, row.Pending)
				}
				return tw.Flush()
			})
		},
	}
	topReserved.Flags().IntVar(&limit, "limit", 10, "maximum rows")

	userLoad := &cobra.Command{
		Use:   "user-load",
		Short: "Rank users by open loans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rows, err := a.reports.ActiveLoansByUser(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tNAME\tOPEN LOANS")
				for _, row := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", row.UserID, row.UserName, row.OpenLoans)
				}
				return tw.Flush()
			})
		},
	}
	userLoad.Flags().IntVar(&limit, "limit", 20, "maximum rows")

	cmd.AddCommand(overdue, topReserved, userLoad)
	return cmd
}

func withApp(fn func(context.Context, *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, a)
}
