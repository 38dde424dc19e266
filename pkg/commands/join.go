package commands

import (
	"os"
	"sort"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gema-arta/ratarmount/pkg/joined"
	"github.com/gema-arta/ratarmount/pkg/tarfs"
)

type JoinOptions struct {
	Debug int
}

var joinOptions JoinOptions

var JoinCmd = &cobra.Command{
	Use:   "join <part>... <mountpoint>",
	Short: "Mount the concatenation of several files as a single virtual file",
	Long: `Presents the byte-wise concatenation of the given part files as one
read-only file named "joined" inside the mountpoint. A single directory
argument in place of the part list joins all regular files inside it in
sorted order.`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runJoin,
	SilenceUsage: true,
}

func init() {
	JoinCmd.Flags().IntVarP(&joinOptions.Debug, "debug", "d", 1, "Debug verbosity, 0-3")
}

func runJoin(cmd *cobra.Command, args []string) error {
	parts := args[:len(args)-1]
	mountPoint := args[len(args)-1]

	if len(parts) == 1 {
		if fi, err := os.Stat(parts[0]); err == nil && fi.IsDir() {
			expanded, err := collectParts(parts[0])
			if err != nil {
				return err
			}
			parts = expanded
		}
	}

	if len(parts) == 0 {
		return errors.New("no part files to join")
	}

	file, err := joined.New(parts)
	if err != nil {
		return err
	}
	defer file.Close()

	log.Info().Strs("parts", parts).Str("mountpoint", mountPoint).Msg("joining")

	filesystem, err := tarfs.NewJoinedFileSystem(file, parts[0], joinOptions.Debug)
	if err != nil {
		return err
	}
	root, err := filesystem.Root()
	if err != nil {
		return err
	}

	return serveMount(root, mountPoint, joinOptions.Debug)
}

// collectParts expands a directory argument into its regular files, sorted
// by name.
func collectParts(dir string) ([]string, error) {
	var parts []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() {
				parts = append(parts, path)
			}
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	return parts, nil
}
