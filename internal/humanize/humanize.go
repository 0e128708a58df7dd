// Copyright 2019-2024 Xu Ruibo (hustxurb@163.com) and Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package humanize

import (
	"fmt"
	"math"

	"github.com/cockroachdb/redact"
)

type config struct {
	base   float64
	suffix []string
}

// IEC scales by 1024 and is used for byte sizes.
var IEC = config{1024, []string{" B", " K", " M", " G", " T", " P", " E"}}

// SI scales by 1000 and is used for counts.
var SI = config{1000, []string{"", " K", " M", " G", " T", " P", " E"}}

func (c *config) format(s uint64) string {
	if s < 10 {
		return fmt.Sprintf("%d%s", s, c.suffix[0])
	}
	e := math.Floor(math.Log(float64(s)) / math.Log(c.base))
	val := math.Floor(float64(s)/math.Pow(c.base, e)*10+0.5) / 10
	if val < 10 {
		return fmt.Sprintf("%.1f%s", val, c.suffix[int(e)])
	}
	return fmt.Sprintf("%.0f%s", val, c.suffix[int(e)])
}

func (c *config) Int64(s int64) FormattedString {
	if s < 0 {
		return FormattedString("-" + c.format(uint64(-s)))
	}
	return FormattedString(c.format(uint64(s)))
}

func (c *config) Uint64(s uint64) FormattedString {
	return FormattedString(c.format(s))
}

// Bytes formats a byte size, for example "1.5 M".
func Bytes(s uint64) FormattedString { return IEC.Uint64(s) }

// Count formats a count, for example "12 K".
func Count(s uint64) FormattedString { return SI.Uint64(s) }

// FormattedString is a humanized number. It is safe to log unredacted.
type FormattedString string

var _ redact.SafeValue = FormattedString("")

func (fs FormattedString) SafeValue() {}

func (fs FormattedString) String() string { return string(fs) }
