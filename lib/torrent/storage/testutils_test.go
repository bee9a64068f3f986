// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package storage_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/lodeswarm/lodeswarm/core"
	"github.com/lodeswarm/lodeswarm/lib/bencode"

	"github.com/stretchr/testify/require"
)

func newReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func metaInfoFromInfo(t *testing.T, info core.Info) *core.MetaInfo {
	t.Helper()
	infoBytes, err := bencode.Marshal(&info)
	require.NoError(t, err)
	mi, err := core.NewMetaInfoFromInfoBytes(infoBytes, nil)
	require.NoError(t, err)
	return mi
}
