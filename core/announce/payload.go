// Copyright (C) 2025 gossip-chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package announce

import (
	"encoding/json"
	"strings"
)

// payload is the announcement user-data: who is announcing and an optional
// greeting.
type payload struct {
	Username string `json:"u,omitempty"`
	Message  string `json:"m,omitempty"`
}

// EncodePayload renders announcement user-data. Only the JSON form is ever
// emitted.
func EncodePayload(username, greeting string) []byte {
	if username == "" && greeting == "" {
		return nil
	}
	data, err := json.Marshal(payload{Username: username, Message: greeting})
	if err != nil {
		return nil
	}
	return data
}

// DecodePayload parses announcement user-data. Three formats are accepted
// for backward compatibility: the current JSON {u,m}, the legacy
// "user:greeting" pair, and a legacy bare greeting.
func DecodePayload(data []byte) (username, greeting string) {
	if len(data) == 0 {
		return "", ""
	}
	s := string(data)
	if strings.HasPrefix(s, "{") {
		var p payload
		if err := json.Unmarshal(data, &p); err == nil {
			return p.Username, p.Message
		}
	}
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
