/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"flag"
	"io"
	"os"

	"github.com/go-logr/logr"
	uberzap "go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/NexusGPU/slowmode/internal/utils"
)

type Options struct {
	Zap zap.Options

	// File additionally writes logs to a rotating file when set
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewOptions defaults to zap development mode when DEBUG=true.
func NewOptions() *Options {
	return &Options{
		Zap:        zap.Options{Development: utils.IsDebugMode()},
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 14,
	}
}

func (o *Options) BindFlags(fs *flag.FlagSet) {
	o.Zap.BindFlags(fs)
	fs.StringVar(&o.File, "log-file", o.File, "Also write logs to this file, rotated by size")
	fs.IntVar(&o.MaxSizeMB, "log-file-max-size", o.MaxSizeMB, "Maximum size in megabytes of the log file before rotation")
	fs.IntVar(&o.MaxBackups, "log-file-max-backups", o.MaxBackups, "Maximum number of rotated log files to keep")
	fs.IntVar(&o.MaxAgeDays, "log-file-max-age", o.MaxAgeDays, "Maximum days to keep rotated log files")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a zap backed logger. The returned closer releases the log
// file, if any.
func New(o *Options) (logr.Logger, io.Closer) {
	zapOpts := o.Zap
	var closer io.Closer = nopCloser{}
	if o.File != "" {
		file := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
		}
		dest := zapOpts.DestWriter
		if dest == nil {
			dest = os.Stderr
		}
		zapOpts.DestWriter = io.MultiWriter(dest, file)
		closer = file
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts), zap.RawZapOpts(uberzap.AddCaller()))
	return logger, closer
}

// Setup installs the logger as the controller-runtime root logger.
func Setup(o *Options) io.Closer {
	logger, closer := New(o)
	ctrl.SetLogger(logger)
	return closer
}
