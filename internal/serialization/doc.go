// Package serialization reads and writes tensor state files in the
// SafeTensors format.
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON object, tensor name -> {dtype, shape, data_offsets}]
//	  [Tensor data: raw little-endian bytes, tensors in name order]
//
// String metadata lives under the "__metadata__" header key. The writer
// always records a SHA-256 checksum of the data section there and the
// reader verifies it when present.
//
// Example usage:
//
//	err := serialization.WriteSafeTensors("state.safetensors", tensors, meta)
//
//	state, err := serialization.ReadSafeTensors("state.safetensors")
//	if err != nil {
//	    return err
//	}
//	expAvg := state.Tensors["layer.0.weight.0.exp_avg"]
package serialization
