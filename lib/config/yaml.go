// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"bytes"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"sigs.k8s.io/yaml"
)

// YAMLLoader is a kong.ConfigurationLoader for YAML configuration files.
// Keys are flag names with dashes replaced by underscores, for example:
//
//	network_concurrency: 32
//	gap_tolerance: 256KiB
//	locale: [en_US, de_DE]
func YAMLLoader(r io.Reader) (kong.Resolver, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	js, err := yaml.YAMLToJSON(bs)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return kong.JSON(bytes.NewReader(js))
}
