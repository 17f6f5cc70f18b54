package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/config"
	"github.com/andewx/vkasync/internal/metrics"
)

var errMismatch = errors.New("read back data differs from upload")

func newRoundtripCommand(opts *rootOptions) *cobra.Command {
	var (
		size    int
		offset  int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "Upload a sequence to a device buffer, read it back and verify it",
		Long: `Create a device-local buffer of --size uint32 values, upload the
sequence 0..size-1 through a staging buffer, read it back from --offset and
compare. transfer.poll_mode selects whether the read back blocks on its
fence or is driven by the cooperative scheduler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size <= 0 {
				return fmt.Errorf("--size must be positive, got %d", size)
			}
			if offset < 0 || offset > size {
				return fmt.Errorf("--offset must be within [0, %d], got %d", size, offset)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return opts.withMetrics(ctx, func(ctx context.Context, m *metrics.Metrics) error {
				return runRoundtrip(ctx, cmd, opts.cfg, m, size, offset)
			})
		},
	}
	cmd.Flags().IntVar(&size, "size", 1<<16, "number of uint32 values to transfer")
	cmd.Flags().IntVar(&offset, "offset", 0, "element offset to read back from")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long (0 waits forever)")
	return cmd
}

func runRoundtrip(ctx context.Context, cmd *cobra.Command, cfg *config.Config, m *metrics.Metrics, size, offset int) (err error) {
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	devs, err := b.Devices()
	if err != nil {
		return err
	}
	pd, err := vkasync.PickPhysicalDevice(devs, cfg.SelectionPolicy())
	if err != nil {
		return err
	}
	c, err := vkasync.NewBuilder(cfg.Options(m)...).WithPhysicalDevice(pd).Build(b.Opener())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	in := make([]uint32, size)
	for i := range in {
		in[i] = uint32(i)
	}

	start := time.Now()
	buf, err := vkasync.UploadDeviceBuffer(ctx, c, in, gputypes.BufferUsageStorage)
	if err != nil {
		return err
	}
	defer buf.Destroy()
	uploaded := time.Since(start)

	out := make([]uint32, size-offset)
	start = time.Now()
	if err := readBack(ctx, c, buf, out, offset, cfg.Transfer.PollMode); err != nil {
		return err
	}
	downloaded := time.Since(start)

	for i, v := range out {
		if v != in[offset+i] {
			return fmt.Errorf("%w: element %d = %d, want %d", errMismatch, offset+i, v, in[offset+i])
		}
	}

	bytes := uint64(size) * 4
	fmt.Fprintf(cmd.OutOrStdout(), "device:   %s (%s)\n", pd.Name, pd.Type)
	fmt.Fprintf(cmd.OutOrStdout(), "upload:   %s in %s\n", formatBytes(bytes), uploaded.Round(time.Microsecond))
	fmt.Fprintf(cmd.OutOrStdout(), "readback: %s in %s (%s)\n",
		formatBytes(uint64(len(out))*4), downloaded.Round(time.Microsecond), cfg.Transfer.PollMode)
	fmt.Fprintln(cmd.OutOrStdout(), "verified: ok")
	return nil
}

func readBack(ctx context.Context, c *vkasync.Context, buf *vkasync.DeviceBuffer[uint32], out []uint32, offset int, mode string) error {
	if mode != config.PollScheduler {
		return buf.Read(ctx, c.Stager(), out, offset)
	}
	t, err := buf.ReadAsync(ctx, c.Stager(), out, offset)
	if err != nil {
		return err
	}
	s := vkasync.NewScheduler(0)
	h := s.Spawn(t)
	if err := s.Run(ctx); err != nil {
		// Cancelled with the copy still in flight; wait it out so the
		// staging buffer is released before the context closes.
		if werr := t.Wait(context.Background()); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	return h.Err()
}
