package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andewx/vkasync"
)

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List physical devices and the queue families each role would use",
		Long: `List every Vulkan physical device with its type, API version and
device-local memory, the queue families selected for the graphics,
compute and transfer roles, and whether it is suitable. The device the
configured selection policy picks is marked with '*'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, opts)
		},
	}
}

func runDevices(cmd *cobra.Command, opts *rootOptions) error {
	b, err := openBackend(opts.cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	devs, err := b.Devices()
	if err != nil {
		return err
	}
	policy := opts.cfg.SelectionPolicy()
	picked, pickErr := vkasync.PickPhysicalDevice(devs, policy)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tTYPE\tAPI\tVRAM\tGRAPHICS\tCOMPUTE\tTRANSFER\tSTATUS")
	for _, d := range devs {
		mark := ""
		if pickErr == nil && d.Name == picked.Name && d.DeviceID == picked.DeviceID {
			mark = "*"
		}
		roles := [3]string{"-", "-", "-"}
		if indices, err := vkasync.SelectQueues(d.QueueFamilies); err == nil {
			roles = [3]string{
				fmt.Sprint(indices.Graphics),
				fmt.Sprint(indices.Compute),
				fmt.Sprint(indices.Transfer),
			}
		}
		status := "ok"
		if err := policy.Suitable(&d); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			mark, d.Name, d.Type, vkasync.VersionString(d.APIVersion), formatBytes(d.VRAM()),
			roles[0], roles[1], roles[2], status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if pickErr != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nno device selected: %v\n", pickErr)
	}
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
