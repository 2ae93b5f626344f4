// Package license decides and persists whether the current installation is
// authorized to run.
//
// The central type is Status, which holds the unlock state for one product
// installation. A Status starts Locked and becomes Unlocked through exactly
// three paths:
//
//	1. Load restoring previously persisted Unlocked state
//	2. ApplyKeyFile validating an offline signed key file
//	3. AttemptServerUnlock completing a verified online challenge/response
//
// There is no transition back to Locked; revocation is handled by replacing
// the persisted state out-of-band.
//
// # Capabilities
//
// Status is assembled from externally supplied capabilities: a Product
// (product ID and RSA public key, mandatory), a Store (opaque string
// persistence), a Fetcher (HTTP round-trip to the licensing server), and a
// MachineIDSource (ordered hardware-derived machine IDs). Defaults cover
// everything except Product; tests substitute fakes freely.
//
// # Online unlock
//
// AttemptServerUnlock posts the product ID, user credentials and the full
// machine-ID list to the licensing server and parses its XML reply. A reply
// claiming success must carry a key blob whose RSA signature verifies against
// the product's public key and whose machine-ID list intersects the local
// one; an unverifiable success claim never unlocks. All outcomes, including
// transport failures, are reported as UnlockResult values, never as errors.
package license
