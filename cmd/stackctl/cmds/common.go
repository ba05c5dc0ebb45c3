package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/compose"
)

type rootOptions struct {
	ProjectRoot string
	File        string
	Timeout     time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("project-root", "", "Project root (defaults to current directory)")
	root.PersistentFlags().StringP("file", "f", "", "Path to the stack file (defaults to stack.yaml under project-root)")
	root.PersistentFlags().Duration("timeout", 5*time.Minute, "Overall deadline for the operation")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	projectRoot, err := cmd.Root().PersistentFlags().GetString("project-root")
	if err != nil {
		return rootOptions{}, err
	}
	if projectRoot == "" {
		projectRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	projectRoot, err = filepath.Abs(projectRoot)
	if err != nil {
		return rootOptions{}, err
	}

	file, err := cmd.Root().PersistentFlags().GetString("file")
	if err != nil {
		return rootOptions{}, err
	}
	if file == "" {
		file = compose.DefaultPath(projectRoot)
	} else if !filepath.IsAbs(file) {
		file = filepath.Join(projectRoot, file)
	}

	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		ProjectRoot: projectRoot,
		File:        file,
		Timeout:     timeout,
	}, nil
}
