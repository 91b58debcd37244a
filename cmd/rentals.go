package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proxy-rental/pkg/inventory"
	"proxy-rental/pkg/models"
	"proxy-rental/pkg/probe"
	"proxy-rental/pkg/purchase"
)

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Rent a proxy of a type to a user",
	Run: func(cmd *cobra.Command, args []string) {
		var req purchase.Request
		req.UserID, _ = cmd.Flags().GetInt64("user")
		req.ProxyTypeID, _ = cmd.Flags().GetInt64("type")
		req.Weeks, _ = cmd.Flags().GetInt("weeks")
		req.PricePerWeek, _ = cmd.Flags().GetInt64("price")

		db := mustInitDB(cmd.Context())
		defer db.Close()

		q := newQueue(db)
		svc := purchase.New(purchase.DatabaseTx(db.Store()), q, q, purchase.Options{
			WaitTimeout: cfg.Wait.Timeout(),
			WaitPoll:    cfg.Wait.PollInterval(),
		}, logger)

		res, err := svc.Purchase(cmd.Context(), req)
		if err != nil {
			logger.Error("Purchase failed", "error", err)
			fmt.Println(purchase.FailureMessage(err))
			os.Exit(1)
		}
		fmt.Printf("rental %d, task %d\n%s\n", res.Rental.ID, res.TaskID, res.Message())
	},
}

var rentalsCmd = &cobra.Command{
	Use:   "rentals [user-id]",
	Short: "List the rentals of a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID := mustParseID(args[0])

		db := mustInitDB(cmd.Context())
		defer db.Close()

		views, err := db.Store().ListUserRentals(cmd.Context(), userID)
		if err != nil {
			logger.Error("Error listing rentals", "error", err)
			os.Exit(1)
		}
		printRentals(views)
	},
}

var addUserCmd = &cobra.Command{
	Use:   "add-user [external-id] [name]",
	Short: "Create a user or update its name, optionally crediting its balance",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		externalID := mustParseID(args[0])
		credit, _ := cmd.Flags().GetInt64("credit")

		db := mustInitDB(cmd.Context())
		defer db.Close()

		store := db.Store()
		user, err := store.EnsureUser(cmd.Context(), externalID, args[1])
		if err != nil {
			logger.Error("Error adding user", "error", err)
			os.Exit(1)
		}
		if credit > 0 {
			if err := store.Credit(cmd.Context(), user.ID, credit); err != nil {
				logger.Error("Error crediting user", "error", err)
				os.Exit(1)
			}
			user.Balance += credit
		}
		fmt.Printf("user %d balance %d\n", user.ID, user.Balance)
	},
}

var addPortsCmd = &cobra.Command{
	Use:   "add-ports [server-ip] [file]",
	Short: "Add ports (one port or range per line) to a server",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db := mustInitDB(cmd.Context())
		defer db.Close()

		report, err := inventory.NewImporter(db.Store(), logger).ImportPortsFromFile(cmd.Context(), args[0], args[1])
		if err != nil {
			logger.Error("Error adding ports", "error", err)
			os.Exit(1)
		}
		printReport(report)
	},
}

var addProxiesCmd = &cobra.Command{
	Use:   "add-proxies [server-ip] [file]",
	Short: "Add upstream proxies (one internal IPv4 per line) to a server",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		operator, _ := cmd.Flags().GetString("operator")
		country, _ := cmd.Flags().GetString("country")
		protocol, _ := cmd.Flags().GetString("protocol")
		speed, _ := cmd.Flags().GetInt("speed")

		db := mustInitDB(cmd.Context())
		defer db.Close()

		store := db.Store()
		typeID, err := store.EnsureProxyType(cmd.Context(), operator, country, protocol, speed)
		if err != nil {
			logger.Error("Error resolving proxy type", "error", err)
			os.Exit(1)
		}

		report, err := inventory.NewImporter(store, logger).ImportProxiesFromFile(cmd.Context(), args[0], typeID, args[1])
		if err != nil {
			logger.Error("Error adding proxies", "error", err)
			os.Exit(1)
		}
		fmt.Printf("proxy type %d\n", typeID)
		printReport(report)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [rental-id]",
	Short: "Fetch probe.url through a rented proxy, or through every active rental with --all",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fmt.Fprintln(os.Stderr, "Pass either a rental id or --all")
			os.Exit(1)
		}

		db := mustInitDB(cmd.Context())
		defer db.Close()

		store := db.Store()
		var views []models.RentalView
		if all {
			var err error
			views, err = store.ListActiveRentals(cmd.Context(), time.Now())
			if err != nil {
				logger.Error("Error listing rentals", "error", err)
				os.Exit(1)
			}
		} else {
			view, err := store.GetRentalView(cmd.Context(), mustParseID(args[0]))
			if err != nil {
				logger.Error("Error getting rental", "error", err)
				os.Exit(1)
			}
			views = []models.RentalView{*view}
		}

		headers, _ := cmd.Flags().GetStringArray("header")
		opts := probe.Options{
			URL:     cfg.Probe.URL,
			Timeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
			Headers: headers,
		}
		results := probe.ProbeAll(cmd.Context(), views, cfg.Probe.Workers, opts, logger)

		failed := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RENTAL\tPROXY\tSTATUS\tLATENCY\tERROR")
		for _, r := range results {
			errText := ""
			if r.Err != nil {
				errText = r.Err.Error()
			}
			if !r.OK() {
				failed++
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", r.RentalID, r.Proxy, r.StatusCode, r.Latency.Round(time.Millisecond), errText)
		}
		w.Flush()

		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	purchaseCmd.Flags().Int64("user", 0, "User id")
	purchaseCmd.Flags().Int64("type", 0, "Proxy type id")
	purchaseCmd.Flags().Int("weeks", 1, "Rental length in weeks")
	purchaseCmd.Flags().Int64("price", 0, "Price per week")
	_ = purchaseCmd.MarkFlagRequired("user")
	_ = purchaseCmd.MarkFlagRequired("type")

	addUserCmd.Flags().Int64("credit", 0, "Amount to add to the balance")

	addProxiesCmd.Flags().String("operator", "", "Operator name, e.g. KYIVSTAR")
	addProxiesCmd.Flags().String("country", "", "Operator country code, e.g. UA")
	addProxiesCmd.Flags().String("protocol", "SOCKS5", "Proxy protocol")
	addProxiesCmd.Flags().Int("speed", 30, "Advertised speed")
	_ = addProxiesCmd.MarkFlagRequired("operator")
	_ = addProxiesCmd.MarkFlagRequired("country")

	probeCmd.Flags().Bool("all", false, "Probe every active rental")
	probeCmd.Flags().StringArrayP("header", "H", nil, "Raw request header line, repeatable")

	rootCmd.AddCommand(purchaseCmd, rentalsCmd, addUserCmd, addPortsCmd, addProxiesCmd, probeCmd)
}

func printRentals(views []models.RentalView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RENTAL\tPROTOCOL\tADDRESS\tLOGIN\tPASSWORD\tOPERATOR\tEXPIRES")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\t%s\t%s (%s)\t%s\n",
			v.RentalID, v.Protocol, v.ServerIP, v.Port, v.Login, v.Password,
			v.Operator, v.Country, v.ExpireAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printReport(r *inventory.Report) {
	fmt.Printf("added %d, duplicates %d, invalid %d\n", r.Added, len(r.Duplicates), len(r.Invalid))
	for _, d := range r.Duplicates {
		fmt.Printf("  duplicate: %s\n", d)
	}
	for _, line := range r.Invalid {
		fmt.Printf("  invalid: %s\n", line)
	}
}
