package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaos-io/rembg-api/removal"
	"github.com/chaos-io/rembg-api/util"
)

const defaultURLOutput = "processed_image.png"

func newRemoveCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "remove <image-path-or-url>",
		Short: "Remove the background of a local file or URL",
		Example: `  rembg-api remove photo.jpg
  rembg-api remove https://example.com/cat.png -o cat.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := newService(cfg, newWorkspaces(cfg))
			if err != nil {
				return err
			}
			return runRemove(cmd, svc, args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output PNG path (default <input>_rmbg.png)")
	return cmd
}

func runRemove(cmd *cobra.Command, svc *removal.Service, source, output string) error {
	defer util.Trace("remove " + source)()

	var in removal.Input
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		in.URL = source
		if output == "" {
			output = defaultURLOutput
		}
	} else {
		f, err := os.Open(source)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		in.File = f
		in.Filename = filepath.Base(source)
		if output == "" {
			output = util.OutputPath(source)
		}
		if samePath(source, output) {
			return fmt.Errorf("output %s would overwrite the input", output)
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	res, err := svc.ProcessTo(cmd.Context(), in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d, %s, %.1f%% kept)\n",
		output, res.Width, res.Height, res.Format, res.Coverage*100)
	return nil
}

// samePath 判断两个路径是否指向同一个文件（含符号链接、硬链接）
func samePath(a, b string) bool {
	if absA, err := filepath.Abs(a); err == nil {
		if absB, err := filepath.Abs(b); err == nil && absA == absB {
			return true
		}
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}
