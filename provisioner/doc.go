// Package provisioner obtains the device identity.
//
// Client posts {"device_id": "<id>"} to the provisioning server over HTTPS,
// verifying the server against a dedicated provisioning root CA, and expects
// the four credential fields back:
//
//	{"root_ca": "...", "device_cert": "...", "private_key": "...", "public_key": "..."}
//
// A complete response is written to the credential store with a single
// ReplaceAll. Transport failures are retried with a fixed delay up to a bounded
// number of attempts; certificate rejections and malformed responses are not.
//
// LocalProvisioner issues the same set from a local kms.SimpleKMS.
package provisioner
