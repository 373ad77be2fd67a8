package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Claim Documents API",
        "description": "Upload, review and audit of insurance claim documents",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Documents", "description": "Claim document upload and retrieval"},
        {"name": "Review", "description": "Approve, reject and re-upload workflow"},
        {"name": "AccessLog", "description": "Tamper-evident access trail"},
        {"name": "ValidationRules", "description": "Per-category upload policy"}
    ],
    "paths": {
        "/claims/{claimId}/documents": {
            "get": {
                "tags": ["Documents"],
                "summary": "List documents attached to a claim",
                "parameters": [
                    {"name": "claimId", "in": "path", "required": true, "type": "string"},
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string", "enum": ["pending", "approved", "rejected"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Documents"],
                "summary": "Upload a claim document",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "claimId", "in": "path", "required": true, "type": "string"},
                    {"name": "file", "in": "formData", "required": true, "type": "file"},
                    {"name": "category", "in": "formData", "required": true, "type": "string"},
                    {"name": "customerId", "in": "formData", "type": "string"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "200": {"description": "Identical document already stored", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "413": {"description": "Too large", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "415": {"description": "Type or extension not allowed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Policy violation", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}": {
            "get": {
                "tags": ["Documents"],
                "summary": "Get document metadata",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Documents"],
                "summary": "Soft delete a document",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/documents/{id}/content": {
            "get": {
                "tags": ["Documents"],
                "summary": "Download document content",
                "produces": ["application/octet-stream"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Document bytes", "schema": {"type": "file"}},
                    "503": {"description": "Document unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/link": {
            "post": {
                "tags": ["Documents"],
                "summary": "Issue a short-lived download link",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Links disabled or document not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/downloads/{token}": {
            "get": {
                "tags": ["Documents"],
                "summary": "Download through a signed link",
                "security": [],
                "produces": ["application/octet-stream"],
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Document bytes", "schema": {"type": "file"}},
                    "401": {"description": "Invalid or expired link", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/review": {
            "post": {
                "tags": ["Review"],
                "summary": "Approve or reject a pending document",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReviewDocumentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid transition", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/reupload-request": {
            "post": {
                "tags": ["Review"],
                "summary": "Ask the customer to replace a rejected document",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReuploadRequestPayload"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/access-logs": {
            "get": {
                "tags": ["AccessLog"],
                "summary": "List access log entries",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/access-logs/verify": {
            "get": {
                "tags": ["AccessLog"],
                "summary": "Verify the access log hash chain",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/documents/{id}/access-logs/export": {
            "get": {
                "tags": ["AccessLog"],
                "summary": "Export the access log",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Export file", "schema": {"type": "file"}}
                }
            }
        },
        "/validation-rules": {
            "get": {
                "tags": ["ValidationRules"],
                "summary": "List validation rules in force",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/validation-rules/{category}": {
            "put": {
                "tags": ["ValidationRules"],
                "summary": "Create or replace a category rule",
                "parameters": [
                    {"name": "category", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpsertValidationRuleRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/validation-rules/reload": {
            "post": {
                "tags": ["ValidationRules"],
                "summary": "Reload validation rules on every instance",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "ReviewDocumentRequest": {
            "type": "object",
            "required": ["decision"],
            "properties": {
                "decision": {"type": "string", "enum": ["approve", "reject"]},
                "reason": {"type": "string"}
            }
        },
        "ReuploadRequestPayload": {
            "type": "object",
            "required": ["deadline"],
            "properties": {
                "deadline": {"type": "string", "format": "date-time"}
            }
        },
        "UpsertValidationRuleRequest": {
            "type": "object",
            "required": ["max_size_bytes", "allowed_mime_types", "allowed_extensions"],
            "properties": {
                "max_size_bytes": {"type": "integer"},
                "allowed_mime_types": {"type": "array", "items": {"type": "string"}},
                "allowed_extensions": {"type": "array", "items": {"type": "string"}},
                "require_encryption": {"type": "boolean"},
                "require_scan": {"type": "boolean"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "details": {"type": "object"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
