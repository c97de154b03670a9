package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/config"
)

// AzureStore keeps objects as block blobs in one container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

var _ dcmrelay.ObjectStore = (*AzureStore)(nil)

func NewAzureStore(cfg config.Azure) (*AzureStore, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, dcmrelay.ErrStorage{Op: "open", Name: cfg.Container, Err: err}
	}
	u := cfg.ServiceURL
	if u == "" {
		u = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(u, credential, nil)
	if err != nil {
		return nil, dcmrelay.ErrStorage{Op: "open", Name: cfg.Container, Err: err}
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

func (a *AzureStore) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, name, data, nil); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	return nil
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, dcmrelay.ErrStorage{Op: "list", Name: prefix, Err: err}
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	return names, nil
}

func (a *AzureStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			err = ErrNotFound
		}
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	return b, nil
}
