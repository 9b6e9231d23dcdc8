// Package storage 提供了聊天图片的对象存储（MinIO）。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"advisor-go/internal/config"
	"advisor-go/internal/model"
	"advisor-go/pkg/log"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// MaxImageSize 是单张聊天图片的上限。
	MaxImageSize = 10 << 20
	imagePrefix  = "chat-images"
	// 没有配置 public_base_url 时返回预签名链接，7 天是 S3 允许的最长有效期。
	presignExpiry = 7 * 24 * time.Hour
)

// ErrNotImage 表示上传的内容不是图片。
var ErrNotImage = errors.New("only image uploads are supported")

// ErrTooLarge 表示图片超过 MaxImageSize。
var ErrTooLarge = fmt.Errorf("image exceeds %d bytes", MaxImageSize)

// objectStore 是 *minio.Client 用到的那部分方法。
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// ImageStore 保存用户上传的图片并返回可以放进消息里的链接。
type ImageStore struct {
	client        objectStore
	bucket        string
	publicBaseURL string
}

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) (*ImageStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return newImageStore(client, cfg), nil
}

func newImageStore(client objectStore, cfg config.MinIOConfig) *ImageStore {
	return &ImageStore{
		client:        client,
		bucket:        cfg.BucketName,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// Upload 保存一张图片。对象名由 uuid 生成，原始文件名只作为展示名。
func (s *ImageStore) Upload(ctx context.Context, name, contentType string, r io.Reader, size int64) (*model.Attachment, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return nil, ErrNotImage
	}
	if size > MaxImageSize {
		return nil, ErrTooLarge
	}

	object := ObjectName(name)
	_, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("上传图片到 MinIO 失败: %w", err)
	}

	link, err := s.URL(ctx, object)
	if err != nil {
		return nil, err
	}
	return &model.Attachment{URL: link, Name: path.Base(name)}, nil
}

// URL 返回对象的访问链接。
func (s *ImageStore) URL(ctx context.Context, object string) (string, error) {
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, object), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, object, presignExpiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return u.String(), nil
}

// ObjectName 为上传的文件生成对象名，保留小写扩展名。
func ObjectName(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("%s/%s%s", imagePrefix, uuid.NewString(), ext)
}
