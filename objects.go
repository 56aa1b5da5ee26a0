/*
Copyright 2022 Mailgun Technologies Inc

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

package amari

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Int64 decodes from either a JSON number or a JSON string holding a number,
// both of which the Amari API emits.
type Int64 int64

func (i *Int64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "while decoding '%s' as an integer", b)
	}
	*i = Int64(v)
	return nil
}

type User struct {
	GuildID   uint64 `json:"-"`
	ID        Int64  `json:"id"`
	Username  string `json:"username"`
	Exp       Int64  `json:"exp"`
	Level     Int64  `json:"level"`
	WeeklyExp Int64  `json:"weeklyExp"`
	// Zero based rank within the leaderboard page the user came from, -1
	// when the user was not fetched from a leaderboard.
	Position int `json:"-"`
}

type Users struct {
	GuildID        uint64  `json:"-"`
	TotalMembers   Int64   `json:"total_members"`
	QueriedMembers Int64   `json:"queried_members"`
	Members        []*User `json:"members"`
}

// Get returns the member with the provided id.
func (u *Users) Get(userID uint64) (*User, bool) {
	for _, m := range u.Members {
		if uint64(m.ID) == userID {
			return m, true
		}
	}
	return nil, false
}

type Leaderboard struct {
	GuildID    uint64  `json:"-"`
	TotalCount Int64   `json:"total_count"`
	Users      []*User `json:"data"`
}

func (l *Leaderboard) Len() int {
	return int(l.TotalCount)
}

type RoleReward struct {
	Level  Int64  `json:"level"`
	RoleID string `json:"roleID"`
}

type Rewards struct {
	GuildID uint64       `json:"-"`
	Count   Int64        `json:"count"`
	Roles   []RoleReward `json:"data"`
}

// Role returns the role awarded at the provided level.
func (r *Rewards) Role(level int64) (string, bool) {
	for _, role := range r.Roles {
		if int64(role.Level) == level {
			return role.RoleID, true
		}
	}
	return "", false
}

func decodeUser(guildID uint64, raw json.RawMessage) (*User, error) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, errors.Wrap(err, "while decoding user")
	}
	u.GuildID = guildID
	u.Position = -1
	return &u, nil
}

func decodeLeaderboard(guildID uint64, raw json.RawMessage) (*Leaderboard, error) {
	var l Leaderboard
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, errors.Wrap(err, "while decoding leaderboard")
	}
	l.GuildID = guildID
	for i, u := range l.Users {
		u.GuildID = guildID
		u.Position = i
	}
	return &l, nil
}

func decodeRewards(guildID uint64, raw json.RawMessage) (*Rewards, error) {
	var r Rewards
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(err, "while decoding rewards")
	}
	r.GuildID = guildID
	return &r, nil
}

// usersResponse keeps each member as raw JSON so members can be cached
// individually.
type usersResponse struct {
	TotalMembers   Int64             `json:"total_members"`
	QueriedMembers Int64             `json:"queried_members"`
	Members        []json.RawMessage `json:"members"`
}

func decodeUsers(guildID uint64, resp usersResponse) (*Users, error) {
	users := &Users{
		GuildID:        guildID,
		TotalMembers:   resp.TotalMembers,
		QueriedMembers: resp.QueriedMembers,
	}
	for _, raw := range resp.Members {
		u, err := decodeUser(guildID, raw)
		if err != nil {
			return nil, err
		}
		users.Members = append(users.Members, u)
	}
	return users, nil
}
