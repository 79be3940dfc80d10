// Package serialization stores result matrices in the checksummed .gmx format.
//
//	Format Structure:
//	  [4 bytes: Magic "GMX1"]
//	  [4 bytes: Version (uint32 LE)]
//	  [4 bytes: Element type (uint32 LE, 0 = float32, 1 = uint32)]
//	  [4 bytes: Metadata size (uint32 LE)]
//	  [4 bytes: Rows (uint32 LE)]
//	  [4 bytes: Cols (uint32 LE)]
//	  [8 bytes: Payload size (uint64 LE)]
//	  [32 bytes: SHA-256 of the payload]
//	  [Metadata: JSON]
//	  [Padding to a 64-byte boundary]
//	  [Payload: row-major little-endian elements]
//
// Example usage:
//
//	if err := serialization.WriteFile("c.gmx", result, serialization.Metadata{Kernel: "matmul_16"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	f, err := serialization.ReadFile("c.gmx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, err := serialization.Decode[float32](f)
package serialization
