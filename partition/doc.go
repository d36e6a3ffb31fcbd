// Package partition simulates a two-slot (A/B) firmware partition table on a filesystem.
//
// Each slot is an image file (ota_0.bin, ota_1.bin) and otadata.json records the
// slot roles and the boot pointer. Updates are written through a WriteSession into a
// staging file, installed on Finish as pending_verify, and promoted to active by
// ValidateBoot after the device restarts into them.
package partition
