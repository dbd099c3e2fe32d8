// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package wmm

import "fmt"

// ConfigurationError reports an invalid parameter (downsample
// fraction, chunk size, window size, context patterns). Commands
// return it before opening any input or output file.
type ConfigurationError struct {
	Param string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Msg)
}

func configErrorf(param, format string, args ...interface{}) error {
	return &ConfigurationError{Param: param, Msg: fmt.Sprintf(format, args...)}
}

// InputFormatError reports a report or allc file that is missing
// expected content or is internally inconsistent.
type InputFormatError struct {
	File string
	Msg  string
}

func (e *InputFormatError) Error() string {
	if e.File == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("%s: invalid input: %s", e.File, e.Msg)
}

func inputErrorf(file, format string, args ...interface{}) error {
	return &InputFormatError{File: file, Msg: fmt.Sprintf(format, args...)}
}
