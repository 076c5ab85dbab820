package client

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Remote speaks the coordinator's framing: bootstrap routes encrypted
// to the server key, authenticated routes additionally carrying the
// bearer token and its RSA-PSS signature.
type Remote struct {
	baseURL string
	http    *http.Client

	key       *rsa.PrivateKey
	serverKey *rsa.PublicKey
	token     string
}

// NewRemote creates a remote for the coordinator at baseURL.
func NewRemote(baseURL string, key *rsa.PrivateKey) *Remote {
	return &Remote{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
		key:     key,
	}
}

// SetToken installs the bearer credential used by signed requests.
func (r *Remote) SetToken(token string) { r.token = token }

// SetServerKey installs the coordinator key from its transfer form.
func (r *Remote) SetServerKey(transfer string) error {
	pub, err := exchange.PublicKeyFromTransfer(transfer)
	if err != nil {
		return err
	}
	r.serverKey = pub
	return nil
}

// FetchServerKey bootstraps the exchange with GET /node/key.
func (r *Remote) FetchServerKey() error {
	resp, err := r.http.Get(r.baseURL + "/node/key")
	if err != nil {
		return fmt.Errorf("failed to fetch server key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server key request returned %s", resp.Status)
	}

	var reply types.ServerPublicKey
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("malformed server key reply: %w", err)
	}
	return r.SetServerKey(reply.PublicKey)
}

// Join registers this component and installs the returned token.
func (r *Remote) Join(req *types.NodeJoinRequest) (*types.JoinData, error) {
	body, err := r.seal(req)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Post(r.baseURL+"/node/join", "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("join request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("join returned %s", resp.Status)
	}

	var data types.JoinData
	if err := r.open(resp.Body, &data); err != nil {
		return nil, err
	}
	r.token = data.Token
	return &data, nil
}

// Leave deregisters this component.
func (r *Remote) Leave() error {
	resp, err := r.signed(http.MethodPost, "/node/leave", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leave returned %s", resp.Status)
	}
	return nil
}

// SendMetadata advertises the local datasources.
func (r *Remote) SendMetadata(meta *types.Metadata) error {
	resp, err := r.signed(http.MethodPost, "/node/metadata", meta)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata returned %s", resp.Status)
	}
	return nil
}

// Update performs one heartbeat and returns the coordinator's answer.
func (r *Remote) Update(current *types.ClientUpdate) (*types.UpdateData, error) {
	resp, err := r.signed(http.MethodGet, "/client/update", current)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update returned %s", resp.Status)
	}

	var data types.UpdateData
	if err := r.open(resp.Body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UploadResult streams the blob of a finished job, encrypted to the
// coordinator.
func (r *Remote) UploadResult(jobID string, blob io.Reader) error {
	var envelope bytes.Buffer
	if _, err := exchange.EncryptStream(r.serverKey, &envelope, blob); err != nil {
		return err
	}

	resp, err := r.signedRaw(http.MethodPost, "/worker/result/"+jobID, &envelope)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result upload returned %s", resp.Status)
	}
	return nil
}

// DownloadResult fetches and decrypts a stored blob by result id.
func (r *Remote) DownloadResult(resultID string) ([]byte, error) {
	return r.downloadBlob("/worker/result/" + resultID)
}

// SubmitArtifact sends an artifact for planning. A USER component
// uses this from the workbench side.
func (r *Remote) SubmitArtifact(artifact *types.Artifact) (*types.ArtifactStatusReply, error) {
	resp, err := r.signed(http.MethodPost, "/workbench/artifact/submit", artifact)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact submit returned %s", resp.Status)
	}

	var reply types.ArtifactStatusReply
	if err := r.open(resp.Body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ArtifactStatus polls the lifecycle of a submitted artifact.
func (r *Remote) ArtifactStatus(artifactID string) (*types.ArtifactStatusReply, error) {
	resp, err := r.signedRaw(http.MethodGet, "/workbench/artifact/status/"+artifactID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact status returned %s", resp.Status)
	}

	var reply types.ArtifactStatusReply
	if err := r.open(resp.Body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// WorkbenchResult fetches any stored blob by result id.
func (r *Remote) WorkbenchResult(resultID string) ([]byte, error) {
	return r.downloadBlob("/workbench/result/" + resultID)
}

// WorkbenchPartialResult fetches a partial blob by provenance.
func (r *Remote) WorkbenchPartialResult(artifactID, builderID string, iteration int) ([]byte, error) {
	return r.downloadBlob(fmt.Sprintf("/workbench/result/partial/%s/%s/%d", artifactID, builderID, iteration))
}

func (r *Remote) downloadBlob(path string) ([]byte, error) {
	resp, err := r.signedRaw(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob download returned %s", resp.Status)
	}

	var blob bytes.Buffer
	if _, err := exchange.DecryptStream(r.key, &blob, resp.Body); err != nil {
		return nil, err
	}
	return blob.Bytes(), nil
}

// ReportError posts a TaskError for a failed job.
func (r *Remote) ReportError(taskErr *types.TaskError) error {
	resp, err := r.signed(http.MethodPost, "/worker/error", taskErr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error report returned %s", resp.Status)
	}
	return nil
}

// UploadMetrics attaches a metrics document to an already uploaded
// result.
func (r *Remote) UploadMetrics(m *types.TaskMetrics) error {
	resp, err := r.signed(http.MethodPost, "/worker/metrics", m)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics upload returned %s", resp.Status)
	}
	return nil
}

// seal encrypts a JSON payload to the server key.
func (r *Remote) seal(v interface{}) ([]byte, error) {
	if r.serverKey == nil {
		return nil, fmt.Errorf("server key not fetched yet")
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return exchange.EncryptBytes(r.serverKey, plain)
}

// open decrypts a response body with the local key and unmarshals it.
func (r *Remote) open(body io.Reader, v interface{}) error {
	envelope, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	plain, err := exchange.DecryptBytes(r.key, envelope)
	if err != nil {
		return fmt.Errorf("failed to open response: %w", err)
	}
	return json.Unmarshal(plain, v)
}

// signed sends an authenticated request with an encrypted JSON body.
func (r *Remote) signed(method, path string, v interface{}) (*http.Response, error) {
	var body io.Reader
	if v != nil {
		sealed, err := r.seal(v)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(sealed)
	}
	return r.signedRaw(method, path, body)
}

// signedRaw sends an authenticated request with a pre-framed body.
func (r *Remote) signedRaw(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, r.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	signature, err := exchange.Sign(r.key, r.token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Signature", signature)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}
