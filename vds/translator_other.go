// Copyright 2024 The dmacore Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package vds

import (
	"errors"

	"github.com/3com-pktdrv/dmacore"
)

type defaultTranslator struct{}

func (defaultTranslator) Translate(buf []byte) (dmacore.PhysAddr, error) {
	return 0, errors.New("vds: pagemap translation is not supported on this platform")
}

func pinPages(buf []byte) error   { return nil }
func unpinPages(buf []byte) error { return nil }
