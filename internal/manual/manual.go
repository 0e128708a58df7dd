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

package manual

// #include <stdlib.h>
import "C"
import "unsafe"

//go:linkname throw runtime.throw
func throw(s string)

// New returns n zeroed bytes from the C heap. The memory is invisible to the
// Go collector and must be released with Free. Private environments keep
// their regions here so offsets stay valid for the life of the handle.
func New(n int) []byte {
	if n == 0 {
		return make([]byte, 0)
	}
	ptr := C.calloc(C.size_t(n), 1)
	if ptr == nil {
		throw("manual: out of memory")
	}
	return (*[MaxArrayLen]byte)(unsafe.Pointer(ptr))[:n:n]
}

// Free releases memory obtained from New. b must not be used afterwards.
func Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	C.free(unsafe.Pointer(&b[0]))
}
