package main

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/fn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink"
)

// goloader reads objects with the internals of the SDK, exposed as cmd/objfile.
func sdkDirs() (src, dir string) {
	return os.ExpandEnv("$GOROOT/src/cmd/internal"), os.ExpandEnv("$GOROOT/src/cmd/objfile")
}

func prepare(*cli.Context) (err error) {
	src, dir := sdkDirs()
	if _, err = os.Stat(dir); err == nil {
		jitlink.Logger().Info("go sdk already prepared", zap.String("dir", dir))
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err = copyDir(src, dir); err != nil {
		return err
	}
	jitlink.Logger().Info("go sdk prepared", zap.String("from", src), zap.String("dir", dir))
	return nil
}

func clean(*cli.Context) (err error) {
	_, dir := sdkDirs()
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		jitlink.Logger().Info("go sdk not prepared", zap.String("dir", dir))
		return nil
	} else if err != nil {
		return err
	}
	if err = os.RemoveAll(dir); err != nil {
		return err
	}
	jitlink.Logger().Info("go sdk cleaned", zap.String("dir", dir))
	return nil
}

// copyFile from src to dest keeping the mode.
func copyFile(src, dest string, mode fs.FileMode) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	df, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(df)
	_, err = io.Copy(df, sf)
	return
}

// copyDir copies the tree of src to dest.
func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}
