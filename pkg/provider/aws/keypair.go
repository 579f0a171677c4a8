package aws

import (
	"context"
	"crypto/md5"
	"crypto/x509"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	"github.com/groundplan/groundplan/pkg/engine"
)

type keyPairAttrs struct {
	KeyName   string            `json:"key_name"`
	PublicKey string            `json:"public_key"`
	Tags      map[string]string `json:"tags"`
}

func (p *Provider) createKeyPair(ctx context.Context, attrs map[string]any) (*engine.CreateResult, error) {
	var kp keyPairAttrs
	if err := decodeAttrs(attrs, &kp); err != nil {
		return nil, err
	}

	out, err := p.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           awssdk.String(kp.KeyName),
		PublicKeyMaterial: []byte(kp.PublicKey),
		TagSpecifications: tagSpec(ec2types.ResourceTypeKeyPair, kp.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import key pair: %w", err)
	}

	return &engine.CreateResult{ID: awssdk.ToString(out.KeyPairId)}, nil
}

func (p *Provider) updateKeyPair(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	var kp keyPairAttrs
	if err := decodeAttrs(attrs, &kp); err != nil {
		return nil, err
	}

	current, err := p.getKeyPair(ctx, id)
	if err != nil {
		return nil, err
	}

	// Name and key material are immutable; only tags can change in place.
	if awssdk.ToString(current.KeyName) != kp.KeyName {
		return nil, engine.ErrRequiresReplacement
	}
	match, err := keyFingerprintMatches(awssdk.ToString(current.KeyFingerprint), kp.PublicKey)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, engine.ErrRequiresReplacement
	}
	if err := p.applyTags(ctx, id, kp.Tags); err != nil {
		return nil, err
	}
	return nil, nil
}

// keyFingerprintMatches reports whether the fingerprint EC2 holds for an
// imported key pair corresponds to the given authorized-keys entry. EC2
// reports imported RSA keys as the colon-separated MD5 of the DER-encoded
// public key and imported ed25519 keys as the OpenSSH SHA-256 digest.
func keyFingerprintMatches(reported, publicKey string) (bool, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}
	for _, fp := range localKeyFingerprints(pub) {
		if fp == reported {
			return true, nil
		}
	}
	return false, nil
}

func localKeyFingerprints(pub ssh.PublicKey) []string {
	fps := []string{ssh.FingerprintSHA256(pub)}

	if ck, ok := pub.(ssh.CryptoPublicKey); ok {
		if der, err := x509.MarshalPKIXPublicKey(ck.CryptoPublicKey()); err == nil {
			sum := md5.Sum(der)
			parts := make([]string, len(sum))
			for i, b := range sum {
				parts[i] = fmt.Sprintf("%02x", b)
			}
			fps = append(fps, strings.Join(parts, ":"))
		}
	}
	return fps
}

func (p *Provider) destroyKeyPair(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyPairId: awssdk.String(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete key pair %s: %w", id, err)
	}
	return nil
}

func (p *Provider) describeKeyPair(ctx context.Context, id string) (map[string]any, error) {
	kp, err := p.getKeyPair(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key_name": awssdk.ToString(kp.KeyName),
		"tags":     tagsToMap(kp.Tags),
	}, nil
}

func (p *Provider) getKeyPair(ctx context.Context, id string) (*ec2types.KeyPairInfo, error) {
	out, err := p.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyPairIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe key pair %s: %w", id, err)
	}
	if len(out.KeyPairs) == 0 {
		return nil, engine.ErrNotFound
	}
	return &out.KeyPairs[0], nil
}
