// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared helpers for the peerbus command line tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// usagePrefixes are error fragments produced by cobra argument parsing and
// by the peerauth subcommands when they are invoked incorrectly.
var usagePrefixes = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
	"is not an absolute path",
	"unknown mechanism",
}

// ExecuteWithFang runs cmd through fang and exits with status 1 on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(UsageErrorHandler(cmd)),
	)
	if err != nil {
		os.Exit(1)
	}
}

// UsageErrorHandler returns a fang.ErrorHandler that prints err and, for
// invocation mistakes, the help text of cmd.
func UsageErrorHandler(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			hint := lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			)
			_, _ = fmt.Fprintln(w, hint)
			_, _ = fmt.Fprintln(w)
			return
		}
		if help := cmd.HelpFunc(); help != nil {
			_ = colorprofile.NewWriter(w, nil)
			help(cmd, []string{})
		}
	}
}

// IsUsageError reports whether err was caused by a malformed invocation.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, prefix := range usagePrefixes {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
