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

package bitalosenv

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/compress"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type configSetter func(o *Options, value string) error

func regionMaxSetter(typ RegionType) configSetter {
	return func(o *Options, value string) error {
		size, err := strconv.ParseUint(value, 0, 32)
		if err != nil || size == 0 {
			return errors.Newf("bad region size %q", value)
		}
		o.setRegionSize(typ, int(size))
		return nil
	}
}

var configSetters = map[string]configSetter{
	"set_shm_key": func(o *Options, value string) error {
		key, err := strconv.ParseInt(value, 0, 64)
		if err != nil || key <= 0 {
			return errors.Newf("bad shm key %q", value)
		}
		o.ShmKey = key
		return nil
	},
	"set_lg_regionmax": regionMaxSetter(RegionLog),
	"set_lk_regionmax": regionMaxSetter(RegionLock),
	"set_mp_regionmax": regionMaxSetter(RegionMpool),
	"set_tx_regionmax": regionMaxSetter(RegionTxn),
	"set_lg_compression": func(o *Options, value string) error {
		for _, t := range []compress.Type{compress.TypeNo, compress.TypeSnappy} {
			if strings.EqualFold(value, t.String()) {
				o.LogCompression = t
				return nil
			}
		}
		return errors.Newf("unknown compression %q", value)
	},
}

// readConfig applies <home>/DB_CONFIG to o. A missing file is not an error.
// Values in the file override those set through the API.
func readConfig(o *Options, home string) error {
	path := o.FS.PathJoin(home, base.ConfigFilename)
	f, err := o.FS.Open(path)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil
		}
		return base.MarkIO(err, "bitalosenv: open %s", path)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		set, ok := configSetters[name]
		if !ok {
			known := maps.Keys(configSetters)
			slices.Sort(known)
			return base.MarkInvalid("bitalosenv: %s:%d: unrecognized name-value pair %q (known: %s)",
				path, lineno, line, strings.Join(known, ", "))
		}
		if value == "" {
			return base.MarkInvalid("bitalosenv: %s:%d: %s needs a value", path, lineno, name)
		}
		if err = set(o, value); err != nil {
			return base.Mark(errors.Wrapf(err, "bitalosenv: %s:%d", path, lineno), base.ErrInvalidArgument)
		}
	}
	if err = s.Err(); err != nil {
		return base.MarkIO(err, "bitalosenv: read %s", path)
	}
	return nil
}
