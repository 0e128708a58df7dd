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

package utils

import (
	"math/bits"
	"os"
)

func FirstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}

// NextPow2 rounds sz up to a power of two.
func NextPow2(sz int) int {
	if sz <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(sz-1))
}

func IsFileNotExist(name string) bool {
	if len(name) == 0 {
		return true
	}
	_, err := os.Stat(name)
	return err != nil && os.IsNotExist(err)
}

func IsFileExist(name string) bool {
	if len(name) == 0 {
		return false
	}
	_, err := os.Stat(name)
	return err == nil || !os.IsNotExist(err)
}
