package vm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdcore "github.com/burrowstack/burrow/cmd/core"
	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor/lxd"
	"github.com/burrowstack/burrow/metadata"
	"github.com/burrowstack/burrow/monitor"
	"github.com/burrowstack/burrow/types"
	"github.com/burrowstack/burrow/utils"
)

type Handler struct {
	cmdcore.BaseHandler
}

// backend bundles what every handler needs to reach the daemon.
type backend struct {
	conf    *config.Config
	client  *lxd.Client
	monitor *monitor.FileMonitor
}

func (h Handler) initBackend(cmd *cobra.Command) (context.Context, *backend, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	client, mon, err := cmdcore.InitBackend(conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, &backend{conf: conf, client: client, monitor: mon}, nil
}

func (b *backend) open(ctx context.Context, name string) (*lxd.Machine, error) {
	m, err := lxd.OpenMachine(ctx, name, b.client, b.monitor, b.conf)
	if err != nil {
		return nil, fmt.Errorf("open instance %s: %w", name, err)
	}
	return m, nil
}

func (h Handler) Launch(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	desc, err := descFromFlags(cmd, args[0], b.conf)
	if err != nil {
		return err
	}

	m, err := lxd.NewMachine(ctx, desc, b.client, b.monitor, b.conf)
	if err != nil {
		return fmt.Errorf("launch %s: %w", desc.Name, err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", desc.Name, err)
	}

	logger := log.WithFunc("cmd.launch")
	logger.Infof(ctx, "instance launched: %s (cpu: %d, memory: %s, disk: %s)",
		desc.Name, desc.CPUCount, cmdcore.FormatSize(desc.MemoryBytes), cmdcore.FormatSize(desc.DiskBytes))
	logger.Infof(ctx, "resolve its address with: burrow ip %s", desc.Name)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	return fanOut(ctx, "start", args, func(ctx context.Context, m *lxd.Machine) error {
		return m.Start(ctx)
	}, b)
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}
	return fanOut(ctx, "stop", args, func(ctx context.Context, m *lxd.Machine) error {
		return m.Stop(ctx)
	}, b)
}

func (h Handler) State(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tIP")
	for _, name := range args {
		m, err := b.open(ctx, name)
		if err != nil {
			return err
		}
		st, err := m.State(ctx)
		if err != nil {
			return fmt.Errorf("state of %s: %w", name, err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, st, m.ManagementIP(ctx))
	}
	return w.Flush()
}

func (h Handler) IP(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	m, err := b.open(ctx, args[0])
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout > 0 {
		addr, err := m.SSHHostname(ctx, timeout)
		if err != nil {
			return fmt.Errorf("ip of %s: %w", args[0], err)
		}
		fmt.Println(addr)
		return nil
	}

	fmt.Println(m.ManagementIP(ctx))
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := conf.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	states, err := monitor.New(conf).States(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No instances recorded.")
		return nil
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tLAST STATE")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", name, states[name])
	}
	return w.Flush()
}

func (h Handler) Resize(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	m, err := b.open(ctx, args[0])
	if err != nil {
		return err
	}

	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	diskStr, _ := cmd.Flags().GetString("disk")
	if cpu == 0 && memStr == "" && diskStr == "" {
		return fmt.Errorf("resize %s: nothing to change, pass --cpu, --memory or --disk", args[0])
	}

	logger := log.WithFunc("cmd.resize")
	if cpu != 0 {
		if err := m.ResizeCPU(ctx, cpu); err != nil {
			return err
		}
		logger.Infof(ctx, "instance %s resized to %d CPUs", args[0], cpu)
	}
	if memStr != "" {
		bytes, err := cmdcore.ParseSize("memory", memStr)
		if err != nil {
			return err
		}
		if err := m.ResizeMemory(ctx, bytes); err != nil {
			return err
		}
		logger.Infof(ctx, "instance %s resized to %s memory", args[0], cmdcore.FormatSize(bytes))
	}
	if diskStr != "" {
		bytes, err := cmdcore.ParseSize("disk", diskStr)
		if err != nil {
			return err
		}
		if err := m.ResizeDisk(ctx, bytes); err != nil {
			return err
		}
		logger.Infof(ctx, "instance %s resized to %s disk", args[0], cmdcore.FormatSize(bytes))
	}
	return nil
}

func (h Handler) Mount(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	name, source, target := args[0], args[1], args[2]
	m, err := b.open(ctx, name)
	if err != nil {
		return err
	}

	handler, err := m.MakeNativeMount(ctx, target, types.Mount{SourcePath: source})
	if err != nil {
		return fmt.Errorf("mount %s: %w", name, err)
	}
	if err := handler.Attach(ctx); err != nil {
		return fmt.Errorf("mount %s: %w", name, err)
	}
	log.WithFunc("cmd.mount").Infof(ctx, "mounted %s at %s in instance %s", source, target, name)
	return nil
}

func (h Handler) Umount(cmd *cobra.Command, args []string) error {
	ctx, b, err := h.initBackend(cmd)
	if err != nil {
		return err
	}

	name, target := args[0], args[1]
	m, err := b.open(ctx, name)
	if err != nil {
		return err
	}

	handler, err := m.MakeNativeMount(ctx, target, types.Mount{})
	if err != nil {
		return fmt.Errorf("umount %s: %w", name, err)
	}
	if err := handler.Detach(ctx); err != nil {
		return fmt.Errorf("umount %s: %w", name, err)
	}
	log.WithFunc("cmd.umount").Infof(ctx, "unmounted %s from instance %s", target, name)
	return nil
}

// fanOut applies fn to every named instance concurrently; the first failure
// cancels the rest.
func fanOut(ctx context.Context, verb string, names []string, fn func(context.Context, *lxd.Machine) error, b *backend) error {
	logger := log.WithFunc("cmd." + verb)
	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			m, err := b.open(ctx, name)
			if err != nil {
				return err
			}
			if err := fn(ctx, m); err != nil {
				return fmt.Errorf("%s %s: %w", verb, name, err)
			}
			logger.Infof(ctx, "%s: %s", verb, name)
			return nil
		})
	}
	return eg.Wait()
}

// descFromFlags assembles the instance descriptor, rendering the cloud-init
// blobs the daemon passes through to the guest.
func descFromFlags(cmd *cobra.Command, name string, conf *config.Config) (*types.VMDesc, error) {
	image, _ := cmd.Flags().GetString("image")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	diskStr, _ := cmd.Flags().GetString("disk")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	extraBridges, _ := cmd.Flags().GetStringArray("network")

	memBytes, err := cmdcore.ParseSize("memory", memStr)
	if err != nil {
		return nil, err
	}
	diskBytes, err := cmdcore.ParseSize("disk", diskStr)
	if err != nil {
		return nil, err
	}
	if sshUser == "" {
		sshUser = conf.SSHUsername
	}

	mac, err := utils.GenerateMACAddress()
	if err != nil {
		return nil, err
	}

	extras := make([]types.NetworkInterface, 0, len(extraBridges))
	for _, bridge := range extraBridges {
		extraMAC, err := utils.GenerateMACAddress()
		if err != nil {
			return nil, err
		}
		extras = append(extras, types.NetworkInterface{ID: bridge, MACAddress: extraMAC})
	}

	mdCfg := &metadata.Config{
		InstanceID: name,
		Hostname:   name,
		Username:   sshUser,
	}
	for _, iface := range extras {
		mdCfg.ExtraMACs = append(mdCfg.ExtraMACs, iface.MACAddress)
	}

	metaData, err := metadata.MetaData(mdCfg)
	if err != nil {
		return nil, err
	}
	userData, err := metadata.UserData(mdCfg)
	if err != nil {
		return nil, err
	}
	vendorData, err := metadata.VendorData(mdCfg)
	if err != nil {
		return nil, err
	}
	networkConfig, err := metadata.NetworkConfig(mdCfg)
	if err != nil {
		return nil, err
	}

	return &types.VMDesc{
		Name:              name,
		CPUCount:          cpu,
		MemoryBytes:       memBytes,
		DiskBytes:         diskBytes,
		ImageFingerprint:  image,
		SSHUsername:       sshUser,
		DefaultMACAddress: mac,
		ExtraInterfaces:   extras,
		MetaDataConfig:    metaData,
		UserDataConfig:    userData,
		VendorDataConfig:  vendorData,
		NetworkDataConfig: networkConfig,
	}, nil
}
