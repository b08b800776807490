package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blockfs/blockfs/util"
)

var imagePath string

var rootCmd = &cobra.Command{
	Use:   "blockfs",
	Short: "A block-based virtual filesystem on a disk image",
	Long: `blockfs manages a simple filesystem inside an ordinary file:
a fixed-size block device with a free-space bitmap, a write-back
block cache, and contiguous-extent files.

Use "blockfs mkfs" to create an image and "blockfs shell" to work
with it interactively.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := util.InitLogger(viper.GetBool("debug")); err != nil {
			fmt.Fprintln(os.Stderr, "logger init failed:", err)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&imagePath, "image", "blockfs.img", "disk image file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(shellCmd)
}
