package secure

import "testing"

func handshakePair(t *testing.T) (client, server *Channel) {
	t.Helper()
	client, err := New()
	if err != nil {
		t.Fatalf("client New: %v", err)
	}
	server, err = New()
	if err != nil {
		t.Fatalf("server New: %v", err)
	}

	clientPub, err := client.PublicKeyPEM()
	if err != nil {
		t.Fatalf("client PublicKeyPEM: %v", err)
	}
	serverPub, err := server.PublicKeyPEM()
	if err != nil {
		t.Fatalf("server PublicKeyPEM: %v", err)
	}

	if err := server.SetPeerPublicKey(clientPub); err != nil {
		t.Fatalf("server SetPeerPublicKey: %v", err)
	}
	if err := client.SetPeerPublicKey(serverPub); err != nil {
		t.Fatalf("client SetPeerPublicKey: %v", err)
	}

	encryptedKey, err := server.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	if err := client.ReceiveSessionKey(encryptedKey); err != nil {
		t.Fatalf("ReceiveSessionKey: %v", err)
	}

	return client, server
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, server := handshakePair(t)

	plaintext := []byte(`{"command":"HEARTBEAT"}`)
	envelope, err := server.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := client.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestChallengeResponseSucceedsWithCorrectPSK(t *testing.T) {
	server, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const psk = "test-psk"

	challenge, err := server.CreateAuthChallenge(psk)
	if err != nil {
		t.Fatalf("CreateAuthChallenge: %v", err)
	}

	response, err := CreateAuthResponse(psk, challenge)
	if err != nil {
		t.Fatalf("CreateAuthResponse: %v", err)
	}

	if err := server.VerifyAuthResponse(psk, response); err != nil {
		t.Fatalf("VerifyAuthResponse: %v", err)
	}
	if !server.Authenticated() {
		t.Fatalf("expected Authenticated() true")
	}
}

func TestChallengeResponseFailsWithWrongPSK(t *testing.T) {
	server, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	challenge, err := server.CreateAuthChallenge("correct-psk")
	if err != nil {
		t.Fatalf("CreateAuthChallenge: %v", err)
	}
	response, err := CreateAuthResponse("wrong-psk", challenge)
	if err != nil {
		t.Fatalf("CreateAuthResponse: %v", err)
	}

	if err := server.VerifyAuthResponse("correct-psk", response); err == nil {
		t.Fatalf("expected auth failure for mismatched PSK")
	}
	if server.Authenticated() {
		t.Fatalf("Authenticated() should remain false after failure")
	}
}

func TestDecryptWithoutSessionKey(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Decrypt("anything"); err != ErrNoSessionKey {
		t.Fatalf("err = %v, want ErrNoSessionKey", err)
	}
}

func TestDecryptTamperedEnvelopeFails(t *testing.T) {
	client, server := handshakePair(t)

	envelope, err := server.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := envelope[:len(envelope)-2] + "zz"

	if _, err := client.Decrypt(tampered); err == nil {
		t.Fatalf("expected decrypt failure on tampered envelope")
	}
}
