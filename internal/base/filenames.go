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

package base

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type FileNum uint32

func (fn FileNum) String() string { return fmt.Sprintf("%010d", uint32(fn)) }

type FileType int

const (
	FileTypeRegion FileType = iota
	FileTypeLog
	FileTypeConfig
	FileTypeSegment
)

const (
	RegionFilePrefix  = "__db."
	LogFilePrefix     = "log."
	ConfigFilename    = "DB_CONFIG"
	SegmentFilePrefix = "bitalosenv."
)

// EnvRegionFilename is the rendezvous file every attaching process races to create.
var EnvRegionFilename = MakeFilename(FileTypeRegion, 1)

func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeRegion:
		return fmt.Sprintf("%s%03d", RegionFilePrefix, uint32(fileNum))
	case FileTypeLog:
		return LogFilePrefix + fileNum.String()
	case FileTypeConfig:
		return ConfigFilename
	case FileTypeSegment:
		return SegmentFilePrefix + strconv.FormatUint(uint64(fileNum), 10)
	}
	panic("unreachable")
}

func MakeFilepath(dirname string, fileType FileType, fileNum FileNum) string {
	return filepath.Join(dirname, MakeFilename(fileType, fileNum))
}

func MakeRegionFilepath(dirname string, id uint32) string {
	return MakeFilepath(dirname, FileTypeRegion, FileNum(id))
}

func MakeLogFilepath(dirname string, num FileNum) string {
	return MakeFilepath(dirname, FileTypeLog, num)
}

// MakeSegmentFilepath names a system memory segment. Segments are keyed by
// their segid rather than the environment home so unrelated processes can
// find them through the reference stored in the environment's first file.
func MakeSegmentFilepath(shmDir string, segid int64) string {
	return filepath.Join(shmDir, fmt.Sprintf("%s%d", SegmentFilePrefix, segid))
}

func ParseFilename(filename string) (fileType FileType, fileNum FileNum, ok bool) {
	filename = filepath.Base(filename)
	switch {
	case filename == ConfigFilename:
		return FileTypeConfig, 0, true
	case strings.HasPrefix(filename, RegionFilePrefix):
		s := filename[len(RegionFilePrefix):]
		if len(s) < 3 {
			break
		}
		fileNum, ok = parseFileNum(s)
		if !ok || fileNum == 0 {
			break
		}
		return FileTypeRegion, fileNum, true
	case strings.HasPrefix(filename, LogFilePrefix):
		s := filename[len(LogFilePrefix):]
		if len(s) != 10 {
			break
		}
		fileNum, ok = parseFileNum(s)
		if !ok {
			break
		}
		return FileTypeLog, fileNum, true
	}
	return 0, 0, false
}

func parseFileNum(s string) (fileNum FileNum, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	u, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fileNum, false
	}
	return FileNum(u), true
}
