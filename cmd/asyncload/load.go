package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/webriots/asyncio"
)

func newLoadCmd(a *app) *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Read whole files concurrently and report their sizes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.NewQueue()
			if err != nil {
				return err
			}
			defer q.Destroy()

			expect := 0
			var failed error
			for _, path := range args {
				if err := e.LoadFile(path, q, path); err != nil {
					fmt.Fprintf(a.stderr, "%s: %v\n", path, err)
					failed = fmt.Errorf("load: some files failed")
					continue
				}
				expect++
			}

			for ; expect > 0; expect-- {
				out, err := q.WaitContext(cmd.Context())
				if err != nil {
					return err
				}
				path, _ := out.Userdata.(string)
				if out.Result != asyncio.Complete {
					fmt.Fprintf(a.stderr, "%s: %s\n", path, out.Result)
					failed = fmt.Errorf("load: some files failed")
					continue
				}

				data := out.Buffer[:out.BytesTransferred]
				if dump {
					if _, err := a.stdout.Write(data); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(a.stdout, "%s\t%d\n", path, len(data))
			}
			return failed
		},
	}
	cmd.Flags().BoolVarP(&dump, "print", "p", false, "write file contents to stdout instead of sizes")
	return cmd
}
