package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/webriots/asyncio/co"
)

// copyWindow is how many routines copy chunks at once.
const copyWindow = 16

func newCopyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy SRC DST",
		Short: "Copy a file chunk by chunk with overlapping reads and writes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := co.IO(e)
			if err != nil {
				return err
			}
			defer s.Close()

			var (
				n       int64
				copyErr error
			)
			err = s.Gogo(func(_ context.Context, rt *co.Routine) {
				n, copyErr = copyFile(rt, args[0], args[1], a.cfg.ChunkSize)
			}).Resume(cmd.Context())
			if err = errors.Join(err, copyErr); err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "%s -> %s\t%d\n", args[0], args[1], n)
			return nil
		},
	}
	cmd.Flags().Int("chunk-size", 64<<10, "bytes per read and write")
	return cmd
}

func copyFile(rt *co.Routine, from, to string, chunk int) (int64, error) {
	src, err := rt.Open(from, "r")
	if err != nil {
		return 0, err
	}
	size, err := src.Size()
	if err != nil {
		_, _ = rt.Close(src, false)
		return 0, err
	}

	dst, err := rt.Open(to, "w")
	if err != nil {
		_, _ = rt.Close(src, false)
		return 0, err
	}

	var (
		next   int64
		copied int64
	)
	group := rt.Group()
	for i := 0; i < copyWindow && int64(i)*int64(chunk) < size; i++ {
		group.Go(func(ctx context.Context) error {
			rt := co.MustRoutineFromContext(ctx)
			buf := make([]byte, chunk)

			for next < size {
				if err := ctx.Err(); err != nil {
					return context.Cause(ctx)
				}
				off := next
				next += int64(chunk)

				want := min(int64(chunk), size-off)
				out, err := rt.Read(src, buf[:want], uint64(off))
				if err != nil {
					return fmt.Errorf("read %s at %d: %w", from, off, err)
				}
				if out.BytesTransferred == 0 {
					continue
				}
				if _, err := rt.Write(dst, buf[:out.BytesTransferred], uint64(off)); err != nil {
					return fmt.Errorf("write %s at %d: %w", to, off, err)
				}
				copied += int64(out.BytesTransferred)
			}
			return nil
		})
	}
	err = group.Wait(rt)

	_, serr := rt.Close(src, false)
	_, derr := rt.Close(dst, true)
	if derr != nil {
		derr = fmt.Errorf("close %s: %w", to, derr)
	}
	return copied, errors.Join(err, serr, derr)
}
