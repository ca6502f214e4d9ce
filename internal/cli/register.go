package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"scopie/internal/frame"
	"scopie/internal/fsutil"
	"scopie/internal/logging"
	"scopie/internal/registration"

	"github.com/spf13/cobra"
)

func newRegisterCmd(r *Root) *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "register <reference> <probe|directory>",
		Short: "Measure the offset between image files",
		Long: `Register a probe image against a reference image by phase correlation and
print the sub-pixel translation of the probe. When the probe is a directory,
every PNG/TIFF frame in it is measured, oldest first. 8 and 16 bit images are
accepted.

Examples:
  scopie register ref.png frame-0042.png
  scopie register ref.tif /data/capture --size 256`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := frame.Load(args[0])
			if err != nil {
				return fmt.Errorf("reference %s: %w", args[0], err)
			}
			logging.LogFrame(r.log, args[0], 0, ref.Width(), ref.Height(), ref.SizeBytes())

			if size == 0 {
				size = r.cfg.Registration.WorkingSize
			}
			reg, err := registration.New(ref, size, r.cfg.Registration.MaxWorkingSize)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "working size: %d\n", reg.Size())

			if !fsutil.IsDir(args[1]) {
				return r.measure(out, reg, args[1], 1, false)
			}
			probes, err := fsutil.ListFrames(args[1])
			if err != nil {
				return err
			}
			if len(probes) == 0 {
				return fmt.Errorf("no frames in %s", args[1])
			}
			for i, probe := range probes {
				if err := r.measure(out, reg, probe, uint64(i+1), true); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 0, "requested working size in pixels, reduced to a power of two (0 = from config, or largest that fits)")
	return cmd
}

func (r *Root) measure(out io.Writer, reg *registration.Registrator, path string, seq uint64, named bool) error {
	probe, err := frame.Load(path)
	if err != nil {
		return fmt.Errorf("probe %s: %w", path, err)
	}
	logging.LogFrame(r.log, path, seq, probe.Width(), probe.Height(), probe.SizeBytes())

	start := time.Now()
	off, err := reg.Offset(probe)
	if err != nil {
		return fmt.Errorf("probe %s: %w", path, err)
	}
	logging.LogOffset(r.log, seq, off.X, off.Y, time.Since(start))

	if named {
		fmt.Fprintf(out, "%s: ", filepath.Base(path))
	}
	fmt.Fprintf(out, "offset: dx=%.3f dy=%.3f (%.3f px)\n", off.X, off.Y, off.Magnitude())
	return nil
}
