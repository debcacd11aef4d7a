// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// layerctl is an operator tool for inspecting and manually triggering
// compaction against a timeline's on-disk layers.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"

	"github.com/pageshard/storageengine/internal/compaction"
	"github.com/pageshard/storageengine/internal/engineconfig"
	"github.com/pageshard/storageengine/internal/layercatalog"
	"github.com/pageshard/storageengine/internal/layermap"
	"github.com/pageshard/storageengine/internal/xlog"
	"github.com/pageshard/storageengine/pkg/ids"
)

var (
	TimelineDirFlag = cli.StringFlag{
		Name:  "timeline-dir",
		Usage: "path to a timeline's on-disk layer directory",
	}
	ConfigFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML engine config file",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "layerctl"
	app.Usage = "inspect and compact a timeline's layer set"
	app.Flags = []cli.Flag{TimelineDirFlag, ConfigFlag}
	app.Commands = []cli.Command{
		{
			Name:   "inspect",
			Usage:  "list every layer currently tracked for a timeline",
			Action: inspectCmd,
		},
		{
			Name:   "compact-l0",
			Usage:  "run a level0-to-level1 compaction pass",
			Action: compactL0Cmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (engineconfig.Config, error) {
	if !ctx.GlobalIsSet(ConfigFlag.Name) {
		return engineconfig.Default(), nil
	}
	return engineconfig.Load(ctx.GlobalString(ConfigFlag.Name))
}

func openLayerMap(ctx *cli.Context) (*layermap.LayerMap, string, error) {
	if !ctx.GlobalIsSet(TimelineDirFlag.Name) {
		return nil, "", fmt.Errorf("timeline-dir not set")
	}
	dir := ctx.GlobalString(TimelineDirFlag.Name)
	cat, err := layercatalog.Open(filepath.Join(dir, "catalog"))
	if err != nil {
		return nil, "", err
	}
	lm, err := layermap.Load(cat)
	if err != nil {
		return nil, "", err
	}
	return lm, dir, nil
}

func inspectCmd(ctx *cli.Context) error {
	lm, _, err := openLayerMap(ctx)
	if err != nil {
		return err
	}
	for _, d := range lm.Level0Deltas() {
		fmt.Println("l0   ", d)
	}
	for _, d := range lm.IterHistoricLayers() {
		fmt.Println("hist ", d)
	}
	return nil
}

func compactL0Cmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	lm, dir, err := openLayerMap(ctx)
	if err != nil {
		return err
	}
	tenant, timeline := ids.NewTenantID(), ids.NewTimelineID()
	if existing := lm.All(); len(existing) > 0 {
		tenant, timeline = existing[0].Tenant, existing[0].Timeline
	}
	opts := compaction.Level0Options{
		Tenant:             tenant,
		Timeline:           timeline,
		OutputDir:          dir,
		Threshold:          cfg.CompactionThreshold,
		TargetSize:         cfg.CompactionTargetSize,
		HoleKeys:           4096,
		CheckpointDistance: int64(cfg.CheckpointDistance),
	}
	result, err := compaction.CompactLevel0(context.Background(), lm, opts)
	if err != nil {
		return err
	}
	if result == nil {
		xlog.Info("nothing to compact")
		return nil
	}
	fmt.Printf("compacted %d level0 layers into %d level1 layers (%d holes, fully_compacted=%v)\n",
		len(result.InputLayers), len(result.OutputLayers), len(result.Holes), result.FullyCompacted)
	return nil
}
