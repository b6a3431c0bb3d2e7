package license

// devPublicKeyPEM is the default embedded public key used when no
// build-time key has been injected. A production build replaces this with
// the real signing key's public half; the matching private key is never
// checked in (see $HOME/.agentide/private.pem in the persisted state
// layout, generated locally and never shipped).
const devPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA3YzljOsaY9Nkc+XRxv4/
zPX+T3iGk4rFdL8DSfm5F03qlBYAPKQkJQMaNvmfp6flbdflf8BK4MXLD0Z1M8gG
DHiR3IBps82gVaFbjs9EQTVrCG0NRXYG70LAGj1jCATwnwy1DeOdcLhXh1M7YN33
kLlLOpUgE80s2Bn1/X4kOr/1LplCwYkZpaxKEIvMFO+z09k1UtQT0N90v38Xshdm
LQE4Mo7RmmoDKVHFssxLx5hYXMdJ/dvXYpnh4WjaB39btsktJktS4jSELLHgxIJo
haXqnbJXQ28zgi6aQLJlBXz6yLcJYrolgDXh29rmSq7K6uByV1F+9bkChh01nFsO
kwIDAQAB
-----END PUBLIC KEY-----
`
