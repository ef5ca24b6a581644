// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package version reports the version of the bedrock module. It is used in
// User-Agent headers and startup logs.
package version

// Tag specifies the current release tag. It needs to be manually updated.
const Tag = "v0.9.0"
