package tomo

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (suite *DataSuite) TestSerializeData(c *C) {
	data := []byte(makeSlice(7, 2, 9, 64, 64))

	for _, compression := range []Compression{Uncompressed, Snappy} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			s, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)
			if len(s) == 0 {
				c.Errorf("Bad SerializeData() - output length 0")
			}

			returned, compressOut, err := DeserializeData(s, true)
			c.Assert(err, IsNil)
			c.Assert(compressOut, Equals, compression)
			c.Assert(returned, DeepEquals, data)
		}
	}
}

func (suite *DataSuite) TestSerializationFormat(c *C) {
	for _, compression := range []Compression{Uncompressed, Snappy} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			format := EncodeSerializationFormat(compression, checksum)
			compressOut, checksumOut := DecodeSerializationFormat(format)
			c.Assert(compressOut, Equals, compression)
			c.Assert(checksumOut, Equals, checksum)
		}
	}
}

func (suite *DataSuite) TestBadChecksum(c *C) {
	data := []byte(makeSlice(0, 0, 0, 32, 32))
	s, err := SerializeData(data, Snappy, CRC32)
	c.Assert(err, IsNil)

	// Flip a bit in the payload and make sure the checksum catches it.
	s[len(s)-1] ^= 0x01
	_, _, err = DeserializeData(s, true)
	c.Assert(err, NotNil)
}
