package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/instancer/pkg/errdefs"
	"github.com/cuemby/instancer/pkg/naming"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Inspect and remove instances",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		team, _ := cmd.Flags().GetString("team")
		challenge, _ := cmd.Flags().GetString("challenge")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newStack(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := st.namer.ManagedFilter()
		if team != "" {
			filter[naming.LabelTeamID] = team
		}
		if challenge != "" {
			filter[naming.LabelChallenge] = challenge
		}

		instances, err := st.prov.Lookup(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances found")
			return nil
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCHALLENGE\tTEAM\tSTATUS\tREMAINING\tHOSTNAME")
		for _, inst := range instances {
			remaining := "expired"
			if !inst.Expired(now) {
				remaining = inst.RemainingTime(now).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.Challenge, inst.TeamID, inst.Status, remaining, orDash(inst.Hostname))
		}
		return w.Flush()
	},
}

var instanceGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one instance and its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newStack(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		instances, err := st.prov.Lookup(cmd.Context(), st.namer.InstanceFilter(args[0]))
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			return fmt.Errorf("%w: %s", errdefs.ErrInstanceNotFound, args[0])
		}
		inst := instances[0]

		fmt.Printf("Instance:   %s\n", inst.ID)
		fmt.Printf("Challenge:  %s\n", inst.Challenge)
		fmt.Printf("Team:       %s\n", inst.TeamID)
		fmt.Printf("Status:     %s\n", inst.Status)
		fmt.Printf("Started:    %s\n", inst.StartedAt.Format(time.RFC3339))
		fmt.Printf("Expires:    %s\n", inst.ExpiresAt.Format(time.RFC3339))
		fmt.Printf("Hostname:   %s\n", orDash(inst.Hostname))

		resources, err := st.prov.ListManaged(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("Resources:")
		for _, r := range resources {
			if r.Labels[naming.LabelInstanceID] != inst.ID {
				continue
			}
			state := r.State
			if state == "" {
				state = "-"
			}
			fmt.Printf("  %-9s %-50s %s\n", r.Kind, r.Name, state)
		}
		return nil
	},
}

var instanceDestroyCmd = &cobra.Command{
	Use:   "destroy ID...",
	Short: "Remove instances immediately",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newStack(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		failed := 0
		for _, id := range args {
			if err := st.prov.Destroy(cmd.Context(), id); err != nil {
				fmt.Printf("✗ %s: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("✓ %s removed\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d instances could not be removed", failed, len(args))
		}
		return nil
	},
}

func init() {
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceDestroyCmd)

	instanceListCmd.Flags().String("team", "", "Only instances of this team")
	instanceListCmd.Flags().String("challenge", "", "Only instances of this challenge")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
