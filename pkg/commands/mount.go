package commands

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gema-arta/ratarmount/pkg/archive"
	"github.com/gema-arta/ratarmount/pkg/common"
	"github.com/gema-arta/ratarmount/pkg/tarfs"
)

type MountOptions struct {
	Foreground    bool
	Debug         int
	RecreateIndex bool
	Recursive     bool
	Backend       string
}

var mountOptions MountOptions

var RootCmd = &cobra.Command{
	Use:   "ratarmount [flags] <archive> [mountpoint]",
	Short: "Mount an uncompressed TAR archive as a read-only filesystem",
	Long: `Mounts the contents of an uncompressed TAR archive into a directory with
random access to every member. The member offsets are indexed in a single
pass and the index is persisted next to the archive (or under ~/.ratarmount
when that location is not writable), so subsequent mounts skip the scan.

If no mountpoint is given, the archive path with its extension stripped is
used.`,
	Args:         cobra.RangeArgs(1, 2),
	RunE:         runMount,
	SilenceUsage: true,
}

func init() {
	RootCmd.Flags().BoolVarP(&mountOptions.Foreground, "foreground", "f", false, "Stay in the foreground instead of daemonizing")
	RootCmd.Flags().IntVarP(&mountOptions.Debug, "debug", "d", 1, "Debug verbosity, 0-3")
	RootCmd.Flags().BoolVarP(&mountOptions.RecreateIndex, "recreate-index", "c", false, "Delete any existing index files before mounting")
	RootCmd.Flags().BoolVarP(&mountOptions.Recursive, "recursive", "r", false, "Recursively mount nested .tar members (ignored when an existing index is reused)")
	RootCmd.Flags().StringVarP(&mountOptions.Backend, "serialization-backend", "s", "custom", "Index codec, optionally with a compression suffix (custom, custom.lz4, custom.gz)")
}

func runMount(cmd *cobra.Command, args []string) error {
	archivePath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	mountPoint := strings.TrimSuffix(archivePath, filepath.Ext(archivePath))
	if len(args) > 1 {
		mountPoint = args[1]
	}

	backend, err := common.ParseBackend(mountOptions.Backend)
	if err != nil {
		log.Warn().Str("backend", mountOptions.Backend).Msg("serialization backend not supported, defaulting to custom")
		backend = common.Backend{Codec: common.CodecCustom}
	}

	indexed, err := archive.New(archive.Options{
		ArchivePath: archivePath,
		WriteIndex:  true,
		ClearCache:  mountOptions.RecreateIndex,
		Recursive:   mountOptions.Recursive,
		Backend:     backend,
		Verbosity:   mountOptions.Debug,
	})
	if err != nil {
		return err
	}
	defer indexed.Close()

	if !mountOptions.Foreground {
		// The archive was parsed and its index persisted, so archive errors
		// were caught here. The detached child performs the FUSE mount and
		// reloads the index, unless --recreate-index was given, in which case
		// it deletes and rebuilds the index once more.
		return daemonize()
	}

	filesystem, err := tarfs.NewFileSystem(indexed, mountOptions.Debug)
	if err != nil {
		return err
	}
	root, err := filesystem.Root()
	if err != nil {
		return err
	}

	return serveMount(root, mountPoint, mountOptions.Debug)
}

// daemonize re-executes the process detached from the terminal with
// --foreground appended, then returns so the parent can exit.
func daemonize() error {
	args := append(os.Args[1:], "--foreground")
	child := exec.Command(os.Args[0], args...)
	child.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	log.Info().Int("pid", child.Process.Pid).Msg("mount helper started in the background")
	return nil
}

// serveMount creates the mountpoint when missing, mounts the filesystem and
// serves until the mount is released or the process is signalled. A
// mountpoint this process created is removed again on exit.
func serveMount(root fs.InodeEmbedder, mountPoint string, verbosity int) error {
	created := false
	if _, err := os.Stat(mountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return err
		}
		created = true
	}

	if mounted, err := mountinfo.Mounted(mountPoint); err == nil && mounted {
		log.Warn().Str("mountpoint", mountPoint).Msg("mountpoint is already mounted, unmounting")
		exec.Command("umount", "-f", mountPoint).Run()
	}

	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), mountPoint, &fuse.MountOptions{
		FsName: "ratarmount",
		Name:   "ratarmount",
	})
	if err != nil {
		return err
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return err
	}
	log.Info().Str("mountpoint", mountPoint).Msg("mounted")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := new(errgroup.Group)
	g.Go(func() error {
		server.Wait()
		stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		server.Unmount()
		return nil
	})
	err = g.Wait()

	if created {
		os.Remove(mountPoint)
	}
	return err
}
