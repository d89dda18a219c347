package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/mtandao/hotspot/pkg/store"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hotspotctl",
		Short: "Hotspot - access entitlement administration",
		Long:  "Manage vouchers, subscribers and entitlements on a hotspot engine",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Engine server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("HOTSPOT_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		vouchersCmd(),
		subscribersCmd(),
		subscriberCmd(),
		expireCmd(),
		speedCmd(),
		sweepCmd(),
		paymentsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func client() *resty.Client {
	c := resty.New().SetBaseURL(serverURL).SetTimeout(10 * time.Second)
	if adminToken != "" {
		c.SetAuthToken(adminToken)
	}
	return c
}

func get(path string, out interface{}) error {
	resp, err := client().R().SetResult(out).Get(path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func post(path string, body, out interface{}) error {
	req := client().R()
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health map[string]interface{}
			if err := get("/v1/health", &health); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(health, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func vouchersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vouchers",
		Short: "Manage access vouchers",
	}

	var planID uint
	var quantity, ttlHours int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a batch of vouchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Vouchers []store.Voucher `json:"vouchers"`
			}
			err := post("/api/admin/vouchers", map[string]interface{}{
				"plan_id":   planID,
				"quantity":  quantity,
				"ttl_hours": ttlHours,
			}, &result)
			if err != nil {
				return err
			}
			for _, v := range result.Vouchers {
				fmt.Println(v.Code)
			}
			return nil
		},
	}
	create.Flags().UintVar(&planID, "plan", 0, "Plan ID")
	create.Flags().IntVar(&quantity, "count", 1, "Number of vouchers")
	create.Flags().IntVar(&ttlHours, "ttl", 720, "Validity in hours")
	_ = create.MarkFlagRequired("plan")

	var status string
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List vouchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Vouchers []store.Voucher `json:"vouchers"`
				Total    int64           `json:"total"`
			}
			path := "/api/admin/vouchers?limit=100"
			if status != "" {
				path += "&status=" + status
			}
			if err := get(path, &result); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tPLAN\tSTATUS\tEXPIRES")
			for _, v := range result.Vouchers {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", v.Code, v.PlanID, v.Status, v.ExpiresAt.Format(time.RFC3339))
			}
			w.Flush()
			fmt.Printf("\n%d of %d\n", len(result.Vouchers), result.Total)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (UNUSED, USED, EXPIRED)")

	cmd.AddCommand(create, list)
	return cmd
}

func subscribersCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:     "subscribers",
		Aliases: []string{"ls", "list"},
		Short:   "List subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Subscribers []store.Subscriber `json:"subscribers"`
				Total       int64              `json:"total"`
			}
			path := "/api/admin/subscribers?limit=100"
			if search != "" {
				path += "&search=" + search
			}
			if err := get(path, &result); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tPHONE\tMAC\tCREATED")
			for _, s := range result.Subscribers {
				phone := ""
				if s.Phone != nil {
					phone = *s.Phone
				}
				mac := s.MACAddress
				if s.MACIsTemporary {
					mac += " (temp)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Username, phone, mac, s.CreatedAt.Format("2006-01-02"))
			}
			w.Flush()
			fmt.Printf("\n%d of %d\n", len(result.Subscribers), result.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Match against username, phone or MAC")
	return cmd
}

func subscriberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriber [id]",
		Short: "Show one subscriber with subscriptions, credentials and usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail map[string]interface{}
			if err := get("/api/admin/subscribers/"+args[0], &detail); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(detail, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire [subscription-id]",
		Short: "Cancel a subscription and remove its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := post("/api/admin/subscriptions/"+args[0]+"/expire", nil, nil); err != nil {
				return err
			}
			fmt.Println("subscription canceled")
			return nil
		},
	}
}

func speedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speed [username] [rate-limit]",
		Short: "Override a subscriber's rate limit, e.g. 20M/20M",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().R().
				SetBody(map[string]string{"rate_limit": args[1]}).
				Patch("/api/admin/radius/" + args[0] + "/speed")
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode(), resp.String())
			}
			fmt.Printf("%s now limited to %s\n", args[0], args[1])
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary map[string]interface{}
			if err := post("/api/admin/sweep", nil, &summary); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func paymentsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "List recent payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payments []store.Payment
			path := "/api/admin/payments"
			if status != "" {
				path += "?status=" + status
			}
			if err := get(path, &payments); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBSCRIBER\tKES\tSTATUS\tRECEIPT\tCREATED")
			for _, p := range payments {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\n",
					p.ID, p.SubscriberID, p.AmountKES, p.Status, p.ReceiptCode, p.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, SUCCESS, FAILED)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hotspotctl version %s\n", Version)
		},
	}
}
