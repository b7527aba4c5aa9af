// Copyright 2024 Gridscan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/gridscan/vsicurl/core"
	"github.com/gridscan/vsicurl/core/cfg"
)

var log = cfg.GetLogger("main")

func newFileSystem(c *cli.Context) *core.FileSystem {
	flags := cfg.DefaultConfig()
	flags.LoadEnv()
	if c.GlobalIsSet("chunk-size") {
		flags.ChunkSize = c.GlobalInt("chunk-size")
	}
	if c.GlobalIsSet("cache-size") {
		flags.MaxRegions = c.GlobalInt("cache-size") / flags.ChunkSize
		if flags.MaxRegions < 1 {
			flags.MaxRegions = 1
		}
	}
	if c.GlobalIsSet("max-retry") {
		flags.MaxRetry = c.GlobalInt("max-retry")
	}
	if c.GlobalBool("debug") {
		cfg.SetLogLevel(logrus.DebugLevel)
	}
	cfg.InitLoggers(c.GlobalString("log-file"))
	return core.NewFileSystem(flags)
}

func requireFilename(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one /vsicurl/ filename argument")
	}
	return c.Args().First(), nil
}

func main() {
	app := cli.NewApp()
	app.Name = "vsicurl"
	app.Usage = "read remote HTTP(S)/FTP files through the range cache"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Write logs to a file instead of stderr",
		},
		cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Download chunk size in bytes",
		},
		cli.IntFlag{
			Name:  "cache-size",
			Usage: "Region cache size in bytes",
		},
		cli.IntFlag{
			Name:  "max-retry",
			Usage: "Number of retries for transient HTTP errors",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "cat",
			Usage:     "Stream a remote file to stdout",
			ArgsUsage: "/vsicurl/https://host/path",
			Action: func(c *cli.Context) error {
				filename, err := requireFilename(c)
				if err != nil {
					return err
				}
				fs := newFileSystem(c)
				h, err := fs.Open(filename)
				if err != nil {
					return err
				}
				defer h.Close()
				_, err = io.Copy(os.Stdout, h)
				return err
			},
		},
		{
			Name:      "stat",
			Usage:     "Print the size and modification time of a remote file",
			ArgsUsage: "/vsicurl/https://host/path",
			Action: func(c *cli.Context) error {
				filename, err := requireFilename(c)
				if err != nil {
					return err
				}
				fs := newFileSystem(c)
				info, err := fs.Stat(filename, 0)
				if err != nil {
					return err
				}
				fmt.Printf("%v %12d %v %v\n", info.Mode(), info.Size(),
					info.ModTime().UTC().Format("2006-01-02 15:04:05"), info.Name())
				return nil
			},
		},
		{
			Name:      "ls",
			Usage:     "List a remote directory (requires a listing collaborator)",
			ArgsUsage: "/vsicurl/https://host/dir/",
			Action: func(c *cli.Context) error {
				filename, err := requireFilename(c)
				if err != nil {
					return err
				}
				fs := newFileSystem(c)
				entries, err := fs.ReadDir(filename)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					fmt.Println(entry)
				}
				return nil
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
