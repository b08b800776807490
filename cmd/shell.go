package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blockfs/blockfs/fs"
	"github.com/blockfs/blockfs/inode"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell on a mounted image",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fs.Mount(afero.NewOsFs(), viper.GetString("image"), viper.GetInt("cache_pages"))
		if err != nil {
			return err
		}
		defer f.Unmount()
		runShell(f)
		return nil
	},
}

func init() {
	shellCmd.Flags().Int("cache-pages", 16, "number of block cache pages")
	viper.BindPFlag("cache_pages", shellCmd.Flags().Lookup("cache-pages"))
}

type shell struct {
	fs  *fs.FS
	cwd string
}

func runShell(f *fs.FS) {
	sh := &shell{fs: f, cwd: "/"}
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("%s > ", sh.cwd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			break
		}
		if line != "" {
			sh.dispatch(splitCommand(line))
		}
		fmt.Printf("%s > ", sh.cwd)
	}
}

// splitCommand splits on spaces, honoring double quotes.
func splitCommand(line string) []string {
	var args []string
	var arg strings.Builder
	inQuotes := false
	for _, c := range line {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if arg.Len() > 0 {
				args = append(args, arg.String())
				arg.Reset()
			}
		default:
			arg.WriteRune(c)
		}
	}
	if arg.Len() > 0 {
		args = append(args, arg.String())
	}
	return args
}

// abs resolves a path argument against the current directory.
func (sh *shell) abs(path string) string {
	if strings.HasPrefix(path, "/") {
		return inode.NormalizePath(path)
	}
	return inode.NormalizePath(sh.cwd + "/" + path)
}

func (sh *shell) dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "cd":
		err = sh.cmdCd(rest)
	case "pwd":
		fmt.Println(sh.cwd)
	case "ls":
		err = sh.cmdLs(rest)
	case "touch":
		err = sh.cmdTouch(rest)
	case "cat":
		err = sh.cmdCat(rest)
	case "echo":
		err = sh.cmdEcho(rest)
	case "rm":
		err = sh.cmdRm(rest)
	case "mkdir":
		err = sh.cmdMkdir(rest)
	case "rmdir":
		err = sh.cmdRmdir(rest)
	case "stat":
		err = sh.cmdStat(rest)
	case "resize":
		err = sh.cmdResize(rest)
	case "df":
		sh.cmdDf()
	case "cache":
		sh.cmdCache()
	case "help":
		cmdHelp()
	default:
		fmt.Printf("unknown command: %s (try 'help')\n", cmd)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
}

func (sh *shell) cmdCd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cd <dir>")
	}
	target := sh.abs(args[0])
	info, err := sh.fs.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return fmt.Errorf("%s: not a directory", args[0])
	}
	sh.cwd = target
	return nil
}

func (sh *shell) cmdLs(args []string) error {
	path := sh.cwd
	if len(args) > 0 {
		path = sh.abs(args[0])
	}
	infos, err := sh.fs.List(path)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		kind := "FILE"
		if fi.IsDir {
			kind = "DIR"
		}
		mtime := time.Unix(fi.ModifyTime, 0).Format("2006-01-02 15:04:05")
		fmt.Printf("%-4s %8d  %s  %s\n", kind, fi.Size, mtime, fi.Name)
	}
	return nil
}

func (sh *shell) cmdTouch(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: touch <file>")
	}
	return sh.fs.CreateFile(sh.abs(args[0]), nil)
}

func (sh *shell) cmdCat(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cat <file>")
	}
	data, err := sh.fs.ReadFile(sh.abs(args[0]))
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (sh *shell) cmdEcho(args []string) error {
	// echo <content...> > <file>
	if len(args) < 3 || args[len(args)-2] != ">" {
		return fmt.Errorf("usage: echo <content> > <file>")
	}
	content := strings.Join(args[:len(args)-2], " ")
	return sh.fs.WriteFile(sh.abs(args[len(args)-1]), []byte(content))
}

func (sh *shell) cmdRm(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rm <file>")
	}
	return sh.fs.DeleteFile(sh.abs(args[0]))
}

func (sh *shell) cmdMkdir(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mkdir <dir>")
	}
	return sh.fs.Mkdir(sh.abs(args[0]))
}

func (sh *shell) cmdRmdir(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rmdir <dir>")
	}
	return sh.fs.Rmdir(sh.abs(args[0]))
}

func (sh *shell) cmdStat(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stat <path>")
	}
	fi, err := sh.fs.Stat(sh.abs(args[0]))
	if err != nil {
		return err
	}
	kind := "file"
	if fi.IsDir {
		kind = "directory"
	}
	fmt.Printf("type: %s\n", kind)
	fmt.Printf("size: %d bytes\n", fi.Size)
	fmt.Printf("inode: %d\n", fi.Inum)
	fmt.Printf("extent: %d blocks from %d\n", fi.BlockCount, fi.StartBlock)
	fmt.Printf("created: %s\n", time.Unix(fi.CreateTime, 0).Format(time.RFC3339))
	fmt.Printf("modified: %s\n", time.Unix(fi.ModifyTime, 0).Format(time.RFC3339))
	return nil
}

func (sh *shell) cmdResize(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: resize <file> <bytes>")
	}
	size, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad size %q", args[1])
	}
	return sh.fs.Resize(sh.abs(args[0]), uint32(size))
}

func (sh *shell) cmdDf() {
	u := sh.fs.DiskUsage()
	toMB := func(blocks uint32) float64 {
		return float64(blocks) * float64(u.BlockSize) / (1024 * 1024)
	}
	fmt.Printf("capacity: %.2f MB (%d blocks)\n", toMB(u.TotalBlocks), u.TotalBlocks)
	fmt.Printf("used:     %.2f MB (%d blocks, %.1f%%)\n", toMB(u.UsedBlocks), u.UsedBlocks,
		100*float64(u.UsedBlocks)/float64(u.TotalBlocks))
	fmt.Printf("free:     %.2f MB (%d blocks)\n", toMB(u.FreeBlocks), u.FreeBlocks)
	fmt.Printf("inodes:   %d of %d in use\n", u.InodesInUse, u.MaxInodes)
}

func (sh *shell) cmdCache() {
	s := sh.fs.CacheStats()
	fmt.Printf("pages: %d, resident: %d, dirty: %d\n", s.Pages, s.Resident, s.Dirty)
}

func cmdHelp() {
	fmt.Print(`commands:
  cd <dir>               change directory
  pwd                    print current directory
  ls [dir]               list directory
  touch <file>           create an empty file
  cat <file>             print file contents
  echo <content> > <file>  write content to a file
  rm <file>              delete a file
  mkdir <dir>            create a directory
  rmdir <dir>            delete a directory tree
  stat <path>            show metadata
  resize <file> <bytes>  change a file's size
  df                     disk usage
  cache                  cache status
  help                   this help
  exit                   leave the shell
`)
}
