// Package ota implements integrity-checked firmware updates.
//
// Engine streams an image from a FirmwareSource into the partition that is not
// running, folding every chunk into a CRC-32 (IEEE, reflected). A matching
// checksum finishes the write session, points the boot target at the new slot
// and restarts the device after a short delay. A mismatch, a write failure or a
// transport error aborts the session; the running partition is never touched.
//
// Firmware can be fetched from https:// (HTTPSource), s3:// (S3Source) and
// ipfs:// (IPFSSource) URLs; MultiSource picks one by scheme.
package ota
