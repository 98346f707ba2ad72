// Package license issues and verifies offline, signature-based software
// licenses.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- Terms and the terms codec: canonical, versioned byte encoding of what is licensed
//	- CreateLicense: signs encoded terms with the issuer's private key
//	- Validate: verifies a license against a public key and evaluates policy
//	- WriteLicense/ReadLicense: the XML license container (.lic files)
//	- Manager: file-level issuer and consumer flows with logging and telemetry
//
// # Issuing
//
//	pair, _ := security.GenerateKeyPair(security.AlgorithmEd25519)
//	lic, err := license.CreateLicense(license.Terms{
//		StartDate:   start,
//		EndDate:     end,
//		ProductName: "Acme",
//		UserName:    "alice",
//	}, pair.Private)
//
// # Validation Flow
//
// Validate runs these steps and stops at the first failure:
//
//	1. Verify the signature over the encoded terms (SignatureMismatch)
//	2. Decode the terms (MalformedTerms)
//	3. Check now against EndDate, then StartDate (Expired, NotYetValid)
//	4. Compare the product name (ProductMismatch)
//
// Nothing in the terms is interpreted before the signature has been checked.
// Both date bounds are inclusive.
//
// # Obscured, Not Secret
//
// Encoded terms are not plain text but they are not encrypted either. Anyone
// can decode them; only the signature protects them.
package license
