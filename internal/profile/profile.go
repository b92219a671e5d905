// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package profile

import (
	"fmt"
	"os"
	"strings"
)

type ProfileType string

var Current = DEV // dev profile as default

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

// InitProfile reads the profile from the PROFILE environment variable.
func InitProfile() {
	Current = Parse(os.Getenv("PROFILE"))
	fmt.Printf("Current profile: %s\n", Current)
}

// Parse maps a profile name to its type, unknown names select DEV.
func Parse(name string) ProfileType {
	switch ProfileType(strings.ToUpper(strings.TrimSpace(name))) {
	case TEST:
		return TEST
	case PROD:
		return PROD
	default:
		return DEV
	}
}
