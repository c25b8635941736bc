package sanitizer

import "testing"

func TestPathTraversalDetected(t *testing.T) {
	f := Scan(map[string]string{"path": "../../etc/passwd"})
	if len(f) == 0 {
		t.Fatal("expected path traversal finding")
	}
	if f[0].Detector != "path_traversal" {
		t.Errorf("expected path_traversal, got %s", f[0].Detector)
	}
}

func TestShellInjectionDetected(t *testing.T) {
	f := Scan(map[string]string{"command": "ls; rm -rf /"})
	if len(f) == 0 {
		t.Fatal("expected shell injection finding")
	}
}

func TestSQLInjectionDetected(t *testing.T) {
	f := Scan(map[string]string{"query": "1; DROP TABLE users; --"})
	if len(f) == 0 {
		t.Fatal("expected sql injection finding")
	}
}

func TestSSRFPrivateIPDetected(t *testing.T) {
	f := Scan(map[string]string{"url": "http://169.254.169.254/latest/meta-data"})
	if len(f) == 0 {
		t.Fatal("expected SSRF finding for metadata endpoint")
	}
}

func TestSSRFPublicHostAllowed(t *testing.T) {
	f := Scan(map[string]string{"url": "https://api.example.com/v1/data"})
	if len(f) != 0 {
		t.Errorf("expected no findings for public host, got %v", f)
	}
}

func TestRiskyURLSchemeDetected(t *testing.T) {
	f := Scan(map[string]string{"url": "file:///etc/passwd"})
	if len(f) == 0 {
		t.Fatal("expected url_scheme finding")
	}
}

func TestCleanArgsProduceNoFindings(t *testing.T) {
	f := Scan(map[string]string{"to": "person@example.com", "body": "hello there"})
	if len(f) != 0 {
		t.Errorf("expected no findings, got %v", f)
	}
}
