package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blockfs/blockfs/disk"
	"github.com/blockfs/blockfs/fs"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create and format a disk image",
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeMB := viper.GetUint32("size_mb")
		if sizeMB == 0 {
			return fmt.Errorf("size must be at least 1 MB")
		}
		blocks := sizeMB * 1024 * 1024 / disk.BlockSize
		image := viper.GetString("image")
		if err := fs.Format(afero.NewOsFs(), image, blocks); err != nil {
			return err
		}
		fmt.Printf("formatted %s: %d MB, %d blocks of %d bytes\n",
			image, sizeMB, blocks, disk.BlockSize)
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32("size-mb", 16, "image size in megabytes")
	viper.BindPFlag("size_mb", mkfsCmd.Flags().Lookup("size-mb"))
}
