package vm

import "github.com/spf13/cobra"

// Actions defines the instance lifecycle operations.
type Actions interface {
	Launch(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	State(cmd *cobra.Command, args []string) error
	IP(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Resize(cmd *cobra.Command, args []string) error
	Mount(cmd *cobra.Command, args []string) error
	Umount(cmd *cobra.Command, args []string) error
}

// Commands builds the top-level lifecycle commands.
func Commands(h Actions) []*cobra.Command {
	launchCmd := &cobra.Command{
		Use:   "launch [flags] NAME",
		Short: "Create and start an instance",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Launch,
	}
	launchCmd.Flags().String("image", "", "image fingerprint (required)")
	launchCmd.Flags().Int("cpu", 1, "CPU count")
	launchCmd.Flags().String("memory", "1G", "memory size")
	launchCmd.Flags().String("disk", "5G", "root disk size")
	launchCmd.Flags().String("ssh-user", "", "guest SSH username (default from config)")
	launchCmd.Flags().StringArray("network", nil, "extra bridge to attach, repeatable")
	_ = launchCmd.MarkFlagRequired("image")

	startCmd := &cobra.Command{
		Use:   "start NAME [NAME...]",
		Short: "Start stopped instance(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop NAME [NAME...]",
		Short: "Stop running instance(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	stateCmd := &cobra.Command{
		Use:   "state NAME [NAME...]",
		Short: "Show the live state of instance(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.State,
	}

	ipCmd := &cobra.Command{
		Use:   "ip NAME",
		Short: "Resolve an instance's address from the bridge leases",
		Args:  cobra.ExactArgs(1),
		RunE:  h.IP,
	}
	ipCmd.Flags().Duration("timeout", 0, "wait this long for an address (0 = single lookup)")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances from the local state index",
		RunE:    h.List,
	}

	resizeCmd := &cobra.Command{
		Use:   "resize [flags] NAME",
		Short: "Update an instance's CPU, memory or disk limits",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Resize,
	}
	resizeCmd.Flags().Int("cpu", 0, "new CPU count")
	resizeCmd.Flags().String("memory", "", "new memory size")
	resizeCmd.Flags().String("disk", "", "new root disk size")

	mountCmd := &cobra.Command{
		Use:   "mount NAME SOURCE TARGET",
		Short: "Attach a host directory into a stopped instance",
		Args:  cobra.ExactArgs(3), //nolint:mnd
		RunE:  h.Mount,
	}

	umountCmd := &cobra.Command{
		Use:   "umount NAME TARGET",
		Short: "Detach a previously mounted directory",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Umount,
	}

	return []*cobra.Command{
		launchCmd,
		startCmd,
		stopCmd,
		stateCmd,
		ipCmd,
		listCmd,
		resizeCmd,
		mountCmd,
		umountCmd,
	}
}
