// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package config

// MetadataDir holds the config file and other persistent data. Relative paths
// are anchored to the working directory (see configureMetadataDir). It is a
// var so tests and advanced deployments can override it.
var MetadataDir = ".bagview_meta"
