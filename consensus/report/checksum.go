// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package report

import (
	"encoding/binary"
	"math"

	"blainsmith.com/go/seahash"
)

// Checksum returns a seahash digest of c.  Qualities are rounded to two
// decimal places first, so that checksums are stable across platforms whose
// floating-point results differ in the last bits.
func Checksum(c *Contig) uint64 {
	h := seahash.New()
	var buf [8]byte
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putVals := func(vals []float32) {
		putInt(int64(len(vals)))
		for _, v := range vals {
			putInt(int64(math.Floor(float64(v)*100 + 0.5)))
		}
	}
	putInt(int64(len(c.Name)))
	h.Write([]byte(c.Name))
	putInt(int64(c.Start))
	putInt(int64(len(c.Cons)))
	h.Write(c.Cons)
	putVals(c.Qual)
	putInt(int64(len(c.Cons2)))
	h.Write(c.Cons2)
	putVals(c.Qual2)
	putVals(c.Discrep)
	putVals(c.Het)
	return h.Sum64()
}
