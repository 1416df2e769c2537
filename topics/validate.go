// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Common validation errors.
var ErrInvalidTopicName = errors.New("invalid topic name")

// ValidateName checks that a topic name is well formed: dot-separated,
// non-empty segments of printable UTF-8, no wildcard or control characters.
func ValidateName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#* ") {
		return ErrInvalidTopicName
	}
	for _, r := range topic {
		if unicode.IsControl(r) {
			return ErrInvalidTopicName
		}
	}
	for _, segment := range strings.Split(topic, ".") {
		if segment == "" {
			return ErrInvalidTopicName
		}
	}
	return nil
}
